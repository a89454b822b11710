package server

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

// toolReply is a client's response to an execute_tool request.
type toolReply struct {
	Result json.RawMessage
	Error  *rpcError
}

type executeToolParams struct {
	OwnerID string `json:"ownerId"`
	tools.Invocation
}

// remoteOwner executes tools by sending execute_tool requests to the
// connection that registered them.
type remoteOwner struct {
	c       *conn
	ownerID string
}

func (o *remoteOwner) Execute(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
	s := o.c.s
	req := s.calls.Create(inv.Call.Name, s.opts.ToolTimeout)
	o.c.track(o.c.calls, req.ID)
	defer o.c.untrack(o.c.calls, req.ID)

	msg, err := newRequest(req.ID, methodExecuteTool, executeToolParams{OwnerID: o.ownerID, Invocation: inv})
	if err != nil {
		s.calls.Cancel(req.ID)
		return tools.Result{}, errors.Wrapf(err, "failed to encode tool call")
	}
	if err := o.c.send(msg); err != nil {
		s.calls.Cancel(req.ID)
		return tools.Result{}, errors.Wrapf(err, "owner %s is unreachable", o.ownerID)
	}

	reply, err := req.Wait(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrUnknownRequest) {
			return tools.Result{}, errors.New("owner %s disconnected", o.ownerID)
		}
		return tools.Result{}, err
	}
	if reply.Error != nil {
		return tools.Result{}, reply.Error
	}

	var res tools.Result
	if err := json.Unmarshal(reply.Result, &res); err != nil {
		return tools.Result{}, errors.Wrapf(err, "owner %s sent an unreadable result", o.ownerID)
	}
	return res, nil
}

// handleResponse routes a client's response to the execute_tool request it
// answers. Responses to unknown or finished requests are logged and dropped.
func (c *conn) handleResponse(msg *message) {
	id := msg.idString()
	if !c.s.calls.Resolve(id, toolReply{Result: msg.Result, Error: msg.Error}) {
		c.logger.Debug("dropping response to unknown tool call", zap.String("id", id))
	}
}
