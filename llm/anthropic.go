package llm

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

// Anthropic streams from the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
	logger *zap.Logger
}

func NewAnthropic(cfg Config, logger *zap.Logger, opts ...option.RequestOption) *Anthropic {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, opts...)
	client := anthropic.NewClient(options...)
	return &Anthropic{client: &client, model: cfg.Model, logger: logger}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) SendMessage(ctx context.Context, history []session.Message, catalog []tools.Descriptor, systemPrompt string, onEvent func(Event)) {
	t := startTurn(onEvent)
	names := newNameMap(catalog)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: defaultMaxTokens,
		Messages:  convertMessagesToAnthropic(history, names),
		Tools:     convertToolsToAnthropic(catalog, names),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	acc := newToolCallAccumulator()
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				acc.add(int(ev.Index), ev.ContentBlock.ID, ev.ContentBlock.Name, "")
			}
		case anthropic.ContentBlockDeltaEvent:
			switch ev.Delta.Type {
			case "text_delta":
				t.appendText(ev.Delta.Text)
			case "input_json_delta":
				acc.add(int(ev.Index), "", "", ev.Delta.PartialJSON)
			}
		}
	}
	if err := stream.Err(); err != nil {
		a.logger.Warn("anthropic stream failed", zap.Error(err))
		t.fail(errors.Wrapf(err, "anthropic request failed"))
		return
	}

	calls, err := acc.finish(names)
	if err != nil {
		t.fail(err)
		return
	}
	t.finish(calls)
}

// convertMessagesToAnthropic maps history onto Anthropic roles. Consecutive
// tool results are grouped into one user message, as the API requires all
// results for a tool_use turn to follow it together.
func convertMessagesToAnthropic(history []session.Message, names *nameMap) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range history {
		if msg.Role != session.RoleTool {
			flush()
		}
		switch msg.Role {
		case session.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  names.provider(tc.Name),
						Input: input,
					},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}
		case session.RoleTool:
			results = append(results, anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: msg.ToolCallID,
					IsError:   anthropic.Bool(msg.IsError),
					Content: []anthropic.ToolResultBlockParamContentUnion{{
						OfText: &anthropic.TextBlockParam{Text: msg.Content},
					}},
				},
			})
		}
	}
	flush()
	return out
}

func convertToolsToAnthropic(catalog []tools.Descriptor, names *nameMap) []anthropic.ToolUnionParam {
	if len(catalog) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(catalog))
	for _, d := range catalog {
		schema := objectSchema(d.ParameterSchema)
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        names.provider(d.Name),
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   requiredFields(schema),
			},
		}})
	}
	return out
}
