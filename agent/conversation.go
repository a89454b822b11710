package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/llm"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

// State is where a conversation is in its prompt loop.
type State string

const (
	StateIdle                State = "idle"
	StateAwaitingModel       State = "awaiting_model"
	StateCollectingToolCalls State = "collecting_tool_calls"
	StateAwaitingPermission  State = "awaiting_permission"
	StateExecutingTool       State = "executing_tool"
	StateDone                State = "done"
)

// TurnError is returned by Run when the provider ended a turn with an error
// event. Message is the event's message.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string { return e.Message }

// Conversation runs prompts against one history. Prompts run one at a time.
type Conversation struct {
	ID string

	rt      *Runtime
	history *session.Session
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	state  State
}

func (rt *Runtime) newConversation(id string, sess *session.Session) *Conversation {
	return &Conversation{
		ID:      id,
		rt:      rt,
		history: sess,
		logger:  rt.logger.With(zap.String("conversation", id)),
		state:   StateIdle,
	}
}

// History returns a copy of the conversation's messages.
func (c *Conversation) History() []session.Message {
	return c.history.Messages()
}

// Session returns the history backing the conversation.
func (c *Conversation) Session() *session.Session {
	return c.history
}

func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conversation) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Running reports whether a prompt is in progress.
func (c *Conversation) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Stop cancels the running prompt, if any. Messages of the unfinished turn
// are discarded.
func (c *Conversation) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Run appends prompt to the history and loops between the model and the
// tools until the model answers without tool calls. Every canonical event
// is passed to onEvent, along with a ToolResult event after each call.
//
// Each loop iteration is committed to the history as a whole: the assistant
// message holding the calls together with one tool message per call. A
// stopped prompt leaves the history as it was after the last complete
// iteration.
func (c *Conversation) Run(ctx context.Context, prompt string, pctx tools.Context, onEvent func(llm.Event)) error {
	if onEvent == nil {
		onEvent = func(llm.Event) {}
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.ErrPromptInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateAwaitingModel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		if c.state != StateDone {
			c.state = StateIdle
		}
		c.mu.Unlock()
	}()

	provider := c.rt.Provider()
	if provider == nil {
		return errors.ErrNoProvider
	}

	c.history.Append(session.UserMessage(prompt))

	for turn := 1; ; turn++ {
		if turn > c.rt.opts.MaxTurns {
			return errors.New("stopped after %d model turns without a final answer", c.rt.opts.MaxTurns)
		}
		c.setState(StateAwaitingModel)
		c.logger.Debug("asking model", zap.Int("turn", turn), zap.String("provider", provider.Name()))

		var (
			calls    []session.ToolCall
			final    string
			failure  string
			complete bool
		)
		provider.SendMessage(ctx, c.history.Messages(), c.rt.Registry.Catalog(), c.rt.opts.SystemPrompt, func(e llm.Event) {
			switch ev := e.(type) {
			case llm.ToolUse:
				if len(calls) == 0 {
					c.setState(StateCollectingToolCalls)
				}
				calls = append(calls, ev.Call)
			case llm.MessageComplete:
				final, complete = ev.Text, true
			case llm.Error:
				failure = ev.Message
			}
			onEvent(e)
		})

		if err := ctx.Err(); err != nil {
			return err
		}
		if failure != "" {
			return &TurnError{Message: failure}
		}
		if len(calls) == 0 {
			if !complete {
				return &TurnError{Message: "model turn ended without a result"}
			}
			c.history.Append(session.AssistantMessage(final))
			c.setState(StateDone)
			return nil
		}

		staged := []session.Message{session.ToolCallMessage(calls)}
		for _, call := range calls {
			result, err := c.execute(ctx, call, pctx)
			if err != nil {
				return err
			}
			onEvent(llm.ToolResult{Call: call, Result: result})
			staged = append(staged, session.ToolResultMessage(call, result.Text(), result.IsError()))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.history.Append(staged...)
	}
}

// execute resolves permission for call and dispatches it to its owner. Every
// outcome except a cancelled ctx is a Result.
func (c *Conversation) execute(ctx context.Context, call session.ToolCall, pctx tools.Context) (tools.Result, error) {
	reg, ok := c.rt.Registry.Lookup(call.Name)
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name)), nil
	}

	c.setState(StateAwaitingPermission)
	check, err := c.rt.Permissions.Check(ctx, call.Name, pctx)
	if err != nil {
		c.logger.Warn("permission check failed", zap.String("tool", call.Name), zap.Error(err))
		return denied(call.Name), nil
	}
	allowed := check.Allowed
	if check.RequiresPrompt {
		allowed, err = c.rt.requestApproval(ctx, reg.Descriptor, call, pctx, check.Domain)
		if err != nil {
			return tools.Result{}, err
		}
	}
	if !allowed {
		return denied(call.Name), nil
	}

	c.setState(StateExecutingTool)
	toolCtx, cancel := context.WithTimeout(ctx, c.rt.opts.ToolTimeout)
	defer cancel()
	result := c.rt.Registry.Dispatch(toolCtx, tools.Invocation{Call: call, Context: pctx})
	if err := ctx.Err(); err != nil {
		return tools.Result{}, err
	}
	return result, nil
}

func denied(toolName string) tools.Result {
	return tools.ErrorResult(fmt.Sprintf("Permission denied for tool: %s", toolName))
}
