package llm

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"
)

// OpenAI streams from the Chat Completions API, or any server compatible
// with it when BaseURL is set.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAI(cfg Config, logger *zap.Logger, opts ...option.RequestOption) *OpenAI {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, opts...)
	// The &c is required, do not replace and just use c
	c := openai.NewClient(options...)
	return &OpenAI{client: &c, model: cfg.Model, logger: logger}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) SendMessage(ctx context.Context, history []session.Message, catalog []tools.Descriptor, systemPrompt string, onEvent func(Event)) {
	t := startTurn(onEvent)
	names := newNameMap(catalog)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAI(history, systemPrompt, names),
		Tools:    convertToolsToOpenAI(catalog, names),
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := newToolCallAccumulator()
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		t.appendText(delta.Content)
		for _, tc := range delta.ToolCalls {
			acc.add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		o.logger.Warn("openai stream failed", zap.Error(err))
		t.fail(errors.Wrapf(err, "openai request failed"))
		return
	}

	calls, err := acc.finish(names)
	if err != nil {
		t.fail(err)
		return
	}
	t.finish(calls)
}

// convertMessagesToOpenAI converts history to chat messages, with the system
// prompt first.
func convertMessagesToOpenAI(history []session.Message, systemPrompt string, names *nameMap) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}
	for _, msg := range history {
		switch msg.Role {
		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Input)
				if err != nil || tc.Input == nil {
					args = []byte("{}")
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      names.provider(tc.Name),
						Arguments: string(args),
					},
				})
			}
			out = append(out, assistantMessage.ToParam())
		case session.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertToolsToOpenAI(catalog []tools.Descriptor, names *nameMap) []openai.ChatCompletionToolUnionParam {
	if len(catalog) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        names.provider(d.Name),
			Description: openai.String(d.Description),
			Parameters:  openai.FunctionParameters(objectSchema(d.ParameterSchema)),
		}))
	}
	return out
}
