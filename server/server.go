// Package server exposes the agent runtime over JSON-RPC 2.0, on stdio with
// newline-delimited frames or on WebSocket connections.
//
// Clients are surfaces and tool owners. A surface sends prompts and answers
// permission requests; an owner registers tools and executes them when the
// server sends it an execute_tool request. One connection may be both.
// Tools registered over a connection are removed when it closes.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/toolhub/agent"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/pending"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Options tunes a Server.
type Options struct {
	// ToolTimeout bounds an execute_tool round trip to a remote owner.
	ToolTimeout time.Duration
}

// Server routes JSON-RPC traffic between connections and the runtime.
type Server struct {
	rt     *agent.Runtime
	logger *zap.Logger
	opts   Options

	// calls holds execute_tool requests waiting for the owner's response.
	calls *pending.Tracker[toolReply]

	mu    sync.RWMutex
	conns map[*conn]struct{}

	upgrader websocket.Upgrader
}

// New creates a server for rt and makes it rt's broadcaster.
func New(rt *agent.Runtime, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 5 * time.Minute
	}
	s := &Server{
		rt:     rt,
		logger: logger,
		opts:   opts,
		calls:  pending.NewTracker[toolReply](logger.Named("calls")),
		conns:  make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			// Extension pages connect from their own origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	rt.SetBroadcaster(s)
	return s
}

// ServeConn serves one connection until it closes or ctx is done. Tools the
// connection registered are unregistered and its prompts are stopped before
// ServeConn returns.
func (s *Server) ServeConn(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newConn(s, t)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	c.logger.Debug("connection opened")

	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	err := c.readLoop(ctx)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.cleanup()
	c.logger.Debug("connection closed")

	if err == nil || errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Handler returns the HTTP handler that upgrades /ws requests.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		if err := s.ServeConn(ctx, NewWebSocketTransport(ws)); err != nil {
			s.logger.Warn("websocket connection failed", zap.Error(err))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "connections": s.connCount()})
	})
	return mux
}

// ListenAndServe serves WebSocket clients on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	g, ctx := errgroup.WithContext(ctx)
	httpSrv := &http.Server{Addr: addr, Handler: s.Handler(ctx)}

	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "http server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	s.runBackground(ctx, g)
	return g.Wait()
}

// ServeStdio serves a single client on r and w until it disconnects or ctx
// is done.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	g.Go(func() error {
		defer cancel()
		return s.ServeConn(ctx, NewLineTransport(r, w))
	})
	s.runBackground(ctx, g)
	return g.Wait()
}

func (s *Server) runBackground(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return s.rt.Run(ctx) })
	g.Go(func() error { return s.calls.Run(ctx, time.Second) })
}

// RequestPermission sends req to every subscribed connection and reports how
// many received it.
func (s *Server) RequestPermission(req agent.PermissionRequest) int {
	n := 0
	for _, c := range s.surfaces() {
		if err := c.notify(methodPermissionRequest, req); err != nil {
			c.logger.Warn("failed to deliver permission request", zap.String("request_id", req.RequestID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (s *Server) surfaces() []*conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conn
	for c := range s.conns {
		if c.isSurface() {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) connCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
