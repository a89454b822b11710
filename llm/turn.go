package llm

import (
	"strings"

	"github.com/m4xw311/toolhub/session"
)

// turn enforces the event contract of one SendMessage call: a single
// MessageStart, then either a MessageComplete, one or more ToolUse events, or
// a single Error.
type turn struct {
	onEvent func(Event)
	text    strings.Builder
	ended   bool
}

func startTurn(onEvent func(Event)) *turn {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	t := &turn{onEvent: onEvent}
	t.onEvent(MessageStart{})
	return t
}

func (t *turn) appendText(delta string) {
	if t.ended || delta == "" {
		return
	}
	t.text.WriteString(delta)
	t.onEvent(MessageUpdate{Text: t.text.String()})
}

func (t *turn) finish(calls []session.ToolCall) {
	if t.ended {
		return
	}
	t.ended = true
	if len(calls) == 0 {
		t.onEvent(MessageComplete{Text: t.text.String()})
		return
	}
	for _, c := range calls {
		t.onEvent(ToolUse{Call: c})
	}
}

func (t *turn) fail(err error) {
	if t.ended {
		return
	}
	t.ended = true
	t.onEvent(Error{Message: err.Error()})
}
