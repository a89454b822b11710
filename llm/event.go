package llm

import (
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
)

// Event is one canonical signal about model output. The set is closed: the
// only implementations are the types below.
type Event interface {
	isEvent()
}

// MessageStart opens every turn.
type MessageStart struct{}

// MessageUpdate carries all text produced so far in the turn.
type MessageUpdate struct {
	Text string
}

// ToolUse is one tool call requested by the model, with its original name.
type ToolUse struct {
	Call session.ToolCall
}

// ToolResult reports the outcome of a tool call. Adapters never emit it; the
// agent loop does after execution.
type ToolResult struct {
	Call   session.ToolCall
	Result tools.Result
}

// MessageComplete ends a turn that made no tool calls.
type MessageComplete struct {
	Text string
}

// Error ends a turn that failed.
type Error struct {
	Message string
}

func (MessageStart) isEvent()    {}
func (MessageUpdate) isEvent()   {}
func (ToolUse) isEvent()         {}
func (ToolResult) isEvent()      {}
func (MessageComplete) isEvent() {}
func (Error) isEvent()           {}

const (
	TypeMessageStart    = "message_start"
	TypeMessageUpdate   = "message_update"
	TypeToolUse         = "tool_use"
	TypeToolResult      = "tool_result"
	TypeMessageComplete = "message_complete"
	TypeError           = "error"
)

// Wire is the JSON form of an Event.
type Wire struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	ToolCall *session.ToolCall `json:"toolCall,omitempty"`
	Result   *tools.Result     `json:"result,omitempty"`
	Message  string            `json:"message,omitempty"`
}

func ToWire(e Event) Wire {
	switch ev := e.(type) {
	case MessageStart:
		return Wire{Type: TypeMessageStart}
	case MessageUpdate:
		return Wire{Type: TypeMessageUpdate, Text: ev.Text}
	case ToolUse:
		call := ev.Call
		return Wire{Type: TypeToolUse, ToolCall: &call}
	case ToolResult:
		call, res := ev.Call, ev.Result
		return Wire{Type: TypeToolResult, ToolCall: &call, Result: &res}
	case MessageComplete:
		return Wire{Type: TypeMessageComplete, Text: ev.Text}
	case Error:
		return Wire{Type: TypeError, Message: ev.Message}
	default:
		return Wire{Type: TypeError, Message: "unknown event"}
	}
}
