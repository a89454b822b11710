package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/m4xw311/toolhub/errors"
	"go.uber.org/zap"
)

// conn is the server side of one client connection.
type conn struct {
	id     string
	s      *Server
	t      Transport
	logger *zap.Logger

	surface atomic.Bool

	mu            sync.Mutex
	owners        map[string]*remoteOwner // owners registered over this connection
	calls         map[string]struct{} // execute_tool requests awaiting a response
	conversations map[string]struct{} // conversations with a prompt started here

	prompts sync.WaitGroup
}

func newConn(s *Server, t Transport) *conn {
	id := uuid.NewString()
	return &conn{
		id:            id,
		s:             s,
		t:             t,
		logger:        s.logger.With(zap.String("conn", id)),
		owners:        make(map[string]*remoteOwner),
		calls:         make(map[string]struct{}),
		conversations: make(map[string]struct{}),
	}
}

func (c *conn) isSurface() bool { return c.surface.Load() }

func (c *conn) readLoop(ctx context.Context) error {
	for {
		frame, err := c.t.Read()
		if err != nil {
			return err
		}

		var msg message
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.logger.Warn("unparseable frame", zap.Error(err))
			_ = c.send(newError(nil, codeParseError, "Parse error"))
			continue
		}

		switch {
		case msg.isResponse():
			c.handleResponse(&msg)
		case msg.Method == "":
			_ = c.send(newError(msg.ID, codeInvalidRequest, "Invalid request"))
		default:
			c.handleRequest(ctx, &msg)
		}
	}
}

// cleanup releases everything the connection holds: its tools, its waiting
// execute_tool requests and its running prompts.
func (c *conn) cleanup() {
	c.mu.Lock()
	owners := make(map[string]*remoteOwner, len(c.owners))
	for id, o := range c.owners {
		owners[id] = o
	}
	calls := keys(c.calls)
	convs := keys(c.conversations)
	c.mu.Unlock()

	// An owner id registered again over another connection belongs to that
	// connection now and keeps its tools.
	for id, owner := range owners {
		n := c.s.rt.Registry.UnregisterOwner(id, owner)
		c.logger.Info("owner disconnected", zap.String("owner", id), zap.Int("tools", n))
	}
	for _, id := range calls {
		c.s.calls.Cancel(id)
	}
	for _, id := range convs {
		c.s.rt.Conversation(id).Stop()
	}
	c.prompts.Wait()
}

func (c *conn) send(msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	return c.t.Write(data)
}

func (c *conn) notify(method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s params", method)
	}
	return c.send(msg)
}

func (c *conn) reply(id json.RawMessage, result any) {
	if len(id) == 0 {
		return
	}
	msg, err := newResult(id, result)
	if err != nil {
		c.logger.Error("failed to serialize result", zap.Error(err))
		msg = newError(id, codeAppError, "failed to serialize result")
	}
	if err := c.send(msg); err != nil {
		c.logger.Warn("failed to send response", zap.Error(err))
	}
}

func (c *conn) replyError(id json.RawMessage, code int, msg string) {
	if len(id) == 0 {
		c.logger.Warn("notification failed", zap.String("error", msg))
		return
	}
	if err := c.send(newError(id, code, msg)); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *conn) track(set map[string]struct{}, id string) {
	c.mu.Lock()
	set[id] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) untrack(set map[string]struct{}, id string) {
	c.mu.Lock()
	delete(set, id)
	c.mu.Unlock()
}

func (c *conn) trackOwner(o *remoteOwner) {
	c.mu.Lock()
	c.owners[o.ownerID] = o
	c.mu.Unlock()
}

func (c *conn) untrackOwner(ownerID string) {
	c.mu.Lock()
	delete(c.owners, ownerID)
	c.mu.Unlock()
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
