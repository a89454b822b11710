package llm

import (
	"context"
	"fmt"

	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
)

// Mock answers without calling any model. It parrots the last user message,
// or acknowledges the last tool result.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string { return "mock" }

func (m *Mock) SendMessage(_ context.Context, history []session.Message, catalog []tools.Descriptor, _ string, onEvent func(Event)) {
	t := startTurn(onEvent)
	if len(history) == 0 {
		t.finish(nil)
		return
	}
	last := history[len(history)-1]
	switch last.Role {
	case session.RoleTool:
		t.appendText(fmt.Sprintf("Tool %s returned: %s", last.ToolName, last.Content))
	default:
		t.appendText(fmt.Sprintf("I am a mock LLM. You said: '%s'. %d tools are available.", last.Content, len(catalog)))
	}
	t.finish(nil)
}
