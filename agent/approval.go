package agent

import (
	"context"

	"github.com/m4xw311/toolhub/permission"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

// Approval is a surface's answer to a PermissionRequest.
type Approval struct {
	Granted  bool             `json:"granted"`
	Remember bool             `json:"remember"`
	Scope    permission.Scope `json:"scope,omitempty"`
}

// PermissionRequest asks the user whether a tool call may run.
type PermissionRequest struct {
	RequestID  string           `json:"requestId"`
	ToolName   string           `json:"toolName"`
	Descriptor tools.Descriptor `json:"descriptor"`
	Params     map[string]any   `json:"params"`
	Context    tools.Context    `json:"context"`
	// Domain is the hostname a remembered decision can be scoped to; empty
	// for tools that only take global decisions.
	Domain string `json:"domain,omitempty"`
}

// Broadcaster delivers permission requests to every live interactive
// surface. It returns how many surfaces received the request.
type Broadcaster interface {
	RequestPermission(req PermissionRequest) int
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(req PermissionRequest) int

func (f BroadcasterFunc) RequestPermission(req PermissionRequest) int { return f(req) }

type noSurfaces struct{}

func (noSurfaces) RequestPermission(PermissionRequest) int { return 0 }

// Respond resolves the approval request id. Unknown and already answered ids
// are logged and ignored.
func (rt *Runtime) Respond(id string, a Approval) bool {
	return rt.Approvals.Resolve(id, a)
}

// requestApproval asks the surfaces about call and waits for the first
// answer. A timeout, or having no surface to ask, counts as a denial. An
// error is only returned when ctx ends first.
func (rt *Runtime) requestApproval(ctx context.Context, desc tools.Descriptor, call session.ToolCall, pctx tools.Context, domain string) (bool, error) {
	req := rt.Approvals.Create(call.Name, rt.opts.PermissionTimeout)
	logger := rt.logger.With(zap.String("request_id", req.ID), zap.String("tool", call.Name))

	n := rt.broadcaster().RequestPermission(PermissionRequest{
		RequestID:  req.ID,
		ToolName:   call.Name,
		Descriptor: desc,
		Params:     call.Input,
		Context:    pctx,
		Domain:     domain,
	})
	if n == 0 {
		rt.Approvals.Cancel(req.ID)
		logger.Warn("no surface to ask for permission, denying")
		return false, nil
	}

	answer, err := req.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn("permission request ended without an answer", zap.Error(err))
		return false, nil
	}

	if answer.Remember {
		decision := permission.AlwaysDeny
		if answer.Granted {
			decision = permission.AlwaysAllow
		}
		scope := answer.Scope
		if scope == "" {
			scope = permission.ScopeGlobal
		}
		if _, err := rt.Permissions.Remember(ctx, call.Name, decision, scope, domain); err != nil {
			logger.Warn("failed to remember permission", zap.Error(err))
		}
	}
	logger.Debug("permission answered", zap.Bool("granted", answer.Granted), zap.Bool("remember", answer.Remember))
	return answer.Granted, nil
}
