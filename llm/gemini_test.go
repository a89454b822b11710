package llm

import (
	"context"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGemini struct {
	resp *genai.GenerateContentResponse
	err  error
	req  *geminiRequest
}

func (f *fakeGemini) SendChat(_ context.Context, req *geminiRequest) (*genai.GenerateContentResponse, error) {
	f.req = req
	return f.resp, f.err
}

func (f *fakeGemini) Close() error { return nil }

func geminiReply(parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: "model", Parts: parts},
	}}}
}

func TestGeminiSplitsTextAndFunctionCalls(t *testing.T) {
	fake := &fakeGemini{resp: geminiReply(
		genai.Text("Listing."),
		genai.FunctionCall{Name: "fs_list", Args: map[string]any{"path": "."}},
	)}
	g := &Gemini{client: fake, model: "gemini-test", logger: zap.NewNop()}

	rec := &recorder{}
	g.SendMessage(context.Background(),
		[]session.Message{session.UserMessage("earlier"), session.AssistantMessage("ok"), session.UserMessage("ls")},
		[]tools.Descriptor{{Name: "fs.list"}}, "sys", rec.on)

	assertContract(t, rec.events)
	require.Len(t, rec.events, 3)
	assert.Equal(t, MessageStart{}, rec.events[0])
	assert.Equal(t, MessageUpdate{Text: "Listing."}, rec.events[1])
	use := rec.events[2].(ToolUse)
	assert.Equal(t, "fs.list", use.Call.Name)
	assert.NotEmpty(t, use.Call.ID)
	assert.Equal(t, map[string]any{"path": "."}, use.Call.Input)

	require.NotNil(t, fake.req)
	assert.Equal(t, "gemini-test", fake.req.Model)
	assert.Equal(t, []genai.Part{genai.Text("sys")}, fake.req.SystemInstruction.Parts)
	assert.Len(t, fake.req.History, 2)
	assert.Equal(t, []genai.Part{genai.Text("ls")}, fake.req.Parts)
	require.Len(t, fake.req.Tools, 1)
	assert.Equal(t, "fs_list", fake.req.Tools[0].FunctionDeclarations[0].Name)
}

func TestGeminiTextOnlyCompletes(t *testing.T) {
	g := &Gemini{client: &fakeGemini{resp: geminiReply(genai.Text("Hello"))}, model: "m", logger: zap.NewNop()}
	rec := &recorder{}
	g.SendMessage(context.Background(), []session.Message{session.UserMessage("hi")}, nil, "", rec.on)

	assertContract(t, rec.events)
	assert.Equal(t, MessageComplete{Text: "Hello"}, rec.events[len(rec.events)-1])
}

func TestGeminiFailureIsErrorEvent(t *testing.T) {
	g := &Gemini{client: &fakeGemini{err: errors.New("quota exceeded")}, model: "m", logger: zap.NewNop()}
	rec := &recorder{}
	g.SendMessage(context.Background(), []session.Message{session.UserMessage("hi")}, nil, "", rec.on)

	assertContract(t, rec.events)
	require.Len(t, rec.events, 2)
	assert.Contains(t, rec.events[1].(Error).Message, "quota exceeded")

	rec = &recorder{}
	g.SendMessage(context.Background(), nil, nil, "", rec.on)
	assertContract(t, rec.events)
	assert.IsType(t, Error{}, rec.events[len(rec.events)-1])
}

func TestConvertMessagesToGemini(t *testing.T) {
	names := newNameMap([]tools.Descriptor{{Name: "fs.list"}, {Name: "fs.read"}})
	calls := []session.ToolCall{{ID: "1", Name: "fs.list"}, {ID: "2", Name: "fs.read"}}
	out := convertMessagesToGemini([]session.Message{
		session.UserMessage("look"),
		session.ToolCallMessage(calls),
		session.ToolResultMessage(calls[0], "a b", false),
		session.ToolResultMessage(calls[1], "denied", true),
	}, names)

	require.Len(t, out, 3)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "model", out[1].Role)
	assert.Equal(t, genai.FunctionCall{Name: "fs_list", Args: map[string]any{}}, out[1].Parts[0])

	require.Len(t, out[2].Parts, 2)
	assert.Equal(t, genai.FunctionResponse{Name: "fs_list", Response: map[string]any{"output": "a b"}}, out[2].Parts[0])
	assert.Equal(t, genai.FunctionResponse{Name: "fs_read", Response: map[string]any{"error": "denied"}}, out[2].Parts[1])
}

func TestToGeminiSchema(t *testing.T) {
	s := toGeminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selector": map[string]any{"type": "string", "description": "CSS selector"},
			"mode":     map[string]any{"type": []any{"string", "null"}, "enum": []any{"fast", "slow"}},
			"tabs":     map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
		},
		"required": []any{"selector"},
	})

	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"selector"}, s.Required)
	assert.Equal(t, genai.TypeString, s.Properties["selector"].Type)
	assert.Equal(t, "CSS selector", s.Properties["selector"].Description)
	assert.True(t, s.Properties["mode"].Nullable)
	assert.Equal(t, []string{"fast", "slow"}, s.Properties["mode"].Enum)
	assert.Equal(t, genai.TypeInteger, s.Properties["tabs"].Items.Type)
}

func TestProcessGeminiResponse(t *testing.T) {
	names := newNameMap([]tools.Descriptor{{Name: "nav.click"}})
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: "model", Parts: []genai.Part{
			genai.Text("Clicking "),
			genai.Text("now"),
			genai.FunctionCall{Name: "nav_click", Args: map[string]any{"selector": "#go"}},
		}},
	}}}

	text, calls, err := processGeminiResponse(resp, names)
	require.NoError(t, err)
	assert.Equal(t, "Clicking now", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "nav.click", calls[0].Name)
	assert.NotEmpty(t, calls[0].ID)
	assert.Equal(t, map[string]any{"selector": "#go"}, calls[0].Input)

	_, _, err = processGeminiResponse(&genai.GenerateContentResponse{}, names)
	assert.Error(t, err)
}

func TestConvertToolsToGemini(t *testing.T) {
	names := newNameMap(nil)
	out := convertToolsToGemini([]tools.Descriptor{{Name: "tab.open", Description: "Open a tab"}}, names)
	require.Len(t, out, 1)
	require.Len(t, out[0].FunctionDeclarations, 1)
	assert.Equal(t, "tab_open", out[0].FunctionDeclarations[0].Name)
	assert.Equal(t, genai.TypeObject, out[0].FunctionDeclarations[0].Parameters.Type)
	assert.Nil(t, convertToolsToGemini(nil, names))
}
