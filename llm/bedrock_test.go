package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeInvoker struct {
	body   []byte
	err    error
	params *bedrockruntime.InvokeModelInput
}

func (f *fakeInvoker) InvokeModel(_ context.Context, params *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

func TestBedrockSplitsTextAndToolCalls(t *testing.T) {
	inv := &fakeInvoker{body: []byte(`{"content":[
		{"type":"text","text":"Listing."},
		{"type":"tool_use","id":"toolu_1","name":"fs_list","input":{"path":"."}}
	]}`)}
	b := &Bedrock{client: inv, modelID: "model", logger: zap.NewNop()}

	rec := &recorder{}
	b.SendMessage(context.Background(), []session.Message{session.UserMessage("ls")},
		[]tools.Descriptor{{Name: "fs.list"}}, "sys", rec.on)

	assertContract(t, rec.events)
	assert.Equal(t, []Event{
		MessageStart{},
		MessageUpdate{Text: "Listing."},
		ToolUse{Call: session.ToolCall{ID: "toolu_1", Name: "fs.list", Input: map[string]any{"path": "."}}},
	}, rec.events)

	var req map[string]any
	require.NoError(t, json.Unmarshal(inv.params.Body, &req))
	assert.Equal(t, bedrockAnthropicVersion, req["anthropic_version"])
	assert.Equal(t, "sys", req["system"])
	toolDefs := req["tools"].([]any)
	assert.Equal(t, "fs_list", toolDefs[0].(map[string]any)["name"])
}

func TestBedrockFailureIsErrorEvent(t *testing.T) {
	b := &Bedrock{client: &fakeInvoker{err: errors.New("throttled")}, modelID: "model", logger: zap.NewNop()}
	rec := &recorder{}
	b.SendMessage(context.Background(), []session.Message{session.UserMessage("ls")}, nil, "", rec.on)

	assertContract(t, rec.events)
	require.Len(t, rec.events, 2)
	assert.Contains(t, rec.events[1].(Error).Message, "throttled")
}

func TestBedrockAPIErrorBody(t *testing.T) {
	b := &Bedrock{client: &fakeInvoker{body: []byte(`{"error":"ValidationException"}`)}, modelID: "m", logger: zap.NewNop()}
	rec := &recorder{}
	b.SendMessage(context.Background(), []session.Message{session.UserMessage("x")}, nil, "", rec.on)
	assertContract(t, rec.events)
	assert.IsType(t, Error{}, rec.events[len(rec.events)-1])
}

func TestConvertMessagesToBedrock(t *testing.T) {
	names := newNameMap(nil)
	call := session.ToolCall{ID: "t1", Name: "fs.list"}
	out := convertMessagesToBedrock([]session.Message{
		session.UserMessage("hi"),
		session.ToolCallMessage([]session.ToolCall{call}),
		session.ToolResultMessage(call, "ok", false),
		session.AssistantMessage(""),
	}, names)

	require.Len(t, out, 3)
	assert.Equal(t, "assistant", out[1]["role"])
	blocks := out[1]["content"].([]bedrockBlock)
	assert.Equal(t, "fs_list", blocks[0]["name"])
	results := out[2]["content"].([]bedrockBlock)
	assert.Equal(t, "t1", results[0]["tool_use_id"])
}
