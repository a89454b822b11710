package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/m4xw311/toolhub/agent"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/llm"
	"github.com/m4xw311/toolhub/permission"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

// Client to server methods.
const (
	methodRegisterTools      = "register_tools"
	methodUnregisterTools    = "unregister_tools"
	methodInitAgent          = "init_agent"
	methodExecutePrompt      = "execute_prompt"
	methodStop               = "stop"
	methodPermissionResponse = "permission_response"
	methodGetTools           = "get_tools"
	methodGetPermissions     = "get_permissions"
	methodRevokePermission   = "revoke_permission"
	methodSetAutoApprove     = "set_auto_approve"
	methodGetAutoApprove     = "get_auto_approve"
	methodSubscribe          = "subscribe"
)

// Server to client methods.
const (
	methodAgentEvent        = "agent_event"
	methodPermissionRequest = "permission_request"
	methodExecuteTool       = "execute_tool"
)

const defaultConversation = "default"

type registerToolsParams struct {
	OwnerID string             `json:"ownerId"`
	Tools   []tools.Descriptor `json:"tools"`
}

type ownerParams struct {
	OwnerID string `json:"ownerId"`
}

type executePromptParams struct {
	Prompt         string        `json:"prompt"`
	ConversationID string        `json:"conversationId,omitempty"`
	Context        tools.Context `json:"context"`
}

type stopParams struct {
	ConversationID string `json:"conversationId,omitempty"`
}

type permissionResponseParams struct {
	RequestID string           `json:"requestId"`
	Granted   bool             `json:"granted"`
	Remember  bool             `json:"remember"`
	Scope     permission.Scope `json:"scope,omitempty"`
}

type revokeParams struct {
	ToolName string `json:"toolName"`
	Domain   string `json:"domain,omitempty"`
}

type autoApproveParams struct {
	Enabled bool `json:"enabled"`
}

// agentEvent is the params of an agent_event notification.
type agentEvent struct {
	ConversationID string   `json:"conversationId"`
	Event          llm.Wire `json:"event"`
}

// promptResult is the final response to execute_prompt.
type promptResult struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

type handler func(ctx context.Context, c *conn, msg *message) (any, error)

var handlers = map[string]handler{
	methodRegisterTools:      handleRegisterTools,
	methodUnregisterTools:    handleUnregisterTools,
	methodInitAgent:          handleInitAgent,
	methodStop:               handleStop,
	methodPermissionResponse: handlePermissionResponse,
	methodGetTools:           handleGetTools,
	methodGetPermissions:     handleGetPermissions,
	methodRevokePermission:   handleRevokePermission,
	methodSetAutoApprove:     handleSetAutoApprove,
	methodGetAutoApprove:     handleGetAutoApprove,
	methodSubscribe:          handleSubscribe,
}

// invalidParams marks errors caused by the request's params.
type invalidParams struct{ err error }

func (e invalidParams) Error() string { return e.err.Error() }

func decodeParams(msg *message, v any) error {
	if len(msg.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		return invalidParams{err}
	}
	return nil
}

func (c *conn) handleRequest(ctx context.Context, msg *message) {
	c.logger.Debug("request", zap.String("method", msg.Method))

	// Prompts run in the background so the connection can keep answering
	// permission requests meanwhile.
	if msg.Method == methodExecutePrompt {
		c.startPrompt(ctx, msg)
		return
	}

	h, ok := handlers[msg.Method]
	if !ok {
		c.replyError(msg.ID, codeMethodNotFound, "Method not found")
		return
	}
	result, err := h(ctx, c, msg)
	if err != nil {
		var ip invalidParams
		if errors.As(err, &ip) {
			c.replyError(msg.ID, codeInvalidParams, ip.Error())
			return
		}
		c.replyError(msg.ID, codeAppError, err.Error())
		return
	}
	c.reply(msg.ID, result)
}

func handleRegisterTools(_ context.Context, c *conn, msg *message) (any, error) {
	var p registerToolsParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	if p.OwnerID == "" {
		return nil, invalidParams{errors.New("ownerId is required")}
	}
	owner := &remoteOwner{c: c, ownerID: p.OwnerID}
	if err := c.s.rt.Registry.Register(p.OwnerID, owner, p.Tools); err != nil {
		return nil, err
	}
	c.trackOwner(owner)
	c.logger.Info("tools registered", zap.String("owner", p.OwnerID), zap.Int("tools", len(p.Tools)))
	return map[string]any{"registered": len(p.Tools)}, nil
}

func handleUnregisterTools(_ context.Context, c *conn, msg *message) (any, error) {
	var p ownerParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	n := c.s.rt.Registry.Unregister(p.OwnerID)
	c.untrackOwner(p.OwnerID)
	return map[string]any{"removed": n}, nil
}

func handleInitAgent(ctx context.Context, c *conn, msg *message) (any, error) {
	var cfg llm.Config
	if err := decodeParams(msg, &cfg); err != nil {
		return nil, err
	}
	if err := c.s.rt.InitProvider(ctx, cfg); err != nil {
		return nil, err
	}
	active := c.s.rt.ProviderConfig()
	return map[string]any{"provider": active.Provider, "model": active.Model}, nil
}

func handleStop(_ context.Context, c *conn, msg *message) (any, error) {
	var p stopParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" {
		p.ConversationID = defaultConversation
	}
	return map[string]any{"stopped": c.s.rt.Conversation(p.ConversationID).Stop()}, nil
}

func handlePermissionResponse(_ context.Context, c *conn, msg *message) (any, error) {
	var p permissionResponseParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	accepted := c.s.rt.Respond(p.RequestID, agent.Approval{Granted: p.Granted, Remember: p.Remember, Scope: p.Scope})
	return map[string]any{"accepted": accepted}, nil
}

func handleGetTools(_ context.Context, c *conn, _ *message) (any, error) {
	return map[string]any{"tools": c.s.rt.Registry.Registrations()}, nil
}

func handleGetPermissions(ctx context.Context, c *conn, _ *message) (any, error) {
	recs, err := c.s.rt.Permissions.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"permissions": recs}, nil
}

func handleRevokePermission(ctx context.Context, c *conn, msg *message) (any, error) {
	var p revokeParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	if p.ToolName == "" {
		return nil, invalidParams{errors.New("toolName is required")}
	}
	if err := c.s.rt.Permissions.Revoke(ctx, p.ToolName, p.Domain); err != nil {
		return nil, err
	}
	return map[string]any{"revoked": true}, nil
}

func handleSetAutoApprove(ctx context.Context, c *conn, msg *message) (any, error) {
	var p autoApproveParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	if err := c.s.rt.Permissions.SetAutoApprove(ctx, p.Enabled); err != nil {
		return nil, err
	}
	return autoApproveParams{Enabled: p.Enabled}, nil
}

func handleGetAutoApprove(ctx context.Context, c *conn, _ *message) (any, error) {
	enabled, err := c.s.rt.Permissions.AutoApprove(ctx)
	if err != nil {
		return nil, err
	}
	return autoApproveParams{Enabled: enabled}, nil
}

func handleSubscribe(_ context.Context, c *conn, _ *message) (any, error) {
	c.surface.Store(true)
	return map[string]any{"subscribed": true}, nil
}

// startPrompt runs an execute_prompt request in the background. Events are
// sent as agent_event notifications; the response to the request is sent
// last, as a result on success or an error otherwise.
func (c *conn) startPrompt(ctx context.Context, msg *message) {
	var p executePromptParams
	if err := decodeParams(msg, &p); err != nil {
		c.replyError(msg.ID, codeInvalidParams, err.Error())
		return
	}
	if strings.TrimSpace(p.Prompt) == "" {
		c.replyError(msg.ID, codeInvalidParams, "prompt is required")
		return
	}
	if p.ConversationID == "" {
		p.ConversationID = defaultConversation
	}
	c.surface.Store(true)

	conv := c.s.rt.Conversation(p.ConversationID)
	c.track(c.conversations, p.ConversationID)
	c.prompts.Add(1)
	go func() {
		defer c.prompts.Done()
		defer c.untrack(c.conversations, p.ConversationID)

		err := conv.Run(ctx, p.Prompt, p.Context, func(e llm.Event) {
			if err := c.notify(methodAgentEvent, agentEvent{ConversationID: p.ConversationID, Event: llm.ToWire(e)}); err != nil {
				c.logger.Warn("failed to send agent event", zap.Error(err))
			}
		})
		if err != nil {
			c.logger.Debug("prompt failed", zap.String("conversation", p.ConversationID), zap.Error(err))
			c.replyError(msg.ID, codeAppError, promptErrorMessage(err))
			return
		}
		c.reply(msg.ID, promptResult{ConversationID: p.ConversationID, Status: "complete"})
	}()
}

func promptErrorMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "stopped"
	}
	return err.Error()
}
