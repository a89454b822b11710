package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// bedrockInvoker is the part of the Bedrock runtime client the adapter uses.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock calls Anthropic models hosted on AWS Bedrock. Credentials come from
// the standard AWS chain; the API key is not used.
type Bedrock struct {
	client  bedrockInvoker
	modelID string
	logger  *zap.Logger
}

func NewBedrock(ctx context.Context, cfg Config, logger *zap.Logger) (*Bedrock, error) {
	region := os.Getenv("AWS_DEFAULT_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		}
	})
	return &Bedrock{client: client, modelID: cfg.Model, logger: logger}, nil
}

func (b *Bedrock) Name() string { return "bedrock" }

func (b *Bedrock) SendMessage(ctx context.Context, history []session.Message, catalog []tools.Descriptor, systemPrompt string, onEvent func(Event)) {
	t := startTurn(onEvent)
	names := newNameMap(catalog)

	body, err := createBedrockRequest(convertMessagesToBedrock(history, names), systemPrompt, catalog, names)
	if err != nil {
		t.fail(errors.Wrapf(err, "failed to create Bedrock request"))
		return
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		b.logger.Warn("bedrock request failed", zap.Error(err))
		t.fail(errors.Wrapf(err, "failed to invoke Bedrock model"))
		return
	}

	text, calls, err := processBedrockResponse(resp.Body, names)
	if err != nil {
		t.fail(err)
		return
	}
	t.appendText(text)
	t.finish(calls)
}

type bedrockBlock = map[string]any

// convertMessagesToBedrock builds Anthropic-format messages. Consecutive tool
// results share one user message.
func convertMessagesToBedrock(history []session.Message, names *nameMap) []map[string]any {
	var out []map[string]any
	var results []bedrockBlock

	flush := func() {
		if len(results) > 0 {
			out = append(out, map[string]any{"role": "user", "content": results})
			results = nil
		}
	}

	for _, msg := range history {
		if msg.Role != session.RoleTool {
			flush()
		}
		switch msg.Role {
		case session.RoleUser:
			out = append(out, map[string]any{
				"role":    "user",
				"content": []bedrockBlock{{"type": "text", "text": msg.Content}},
			})
		case session.RoleAssistant:
			var blocks []bedrockBlock
			if msg.Content != "" {
				blocks = append(blocks, bedrockBlock{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, bedrockBlock{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  names.provider(tc.Name),
					"input": input,
				})
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "assistant", "content": blocks})
			}
		case session.RoleTool:
			results = append(results, bedrockBlock{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
				"is_error":    msg.IsError,
			})
		}
	}
	flush()
	return out
}

func createBedrockRequest(messages []map[string]any, systemPrompt string, catalog []tools.Descriptor, names *nameMap) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": bedrockAnthropicVersion,
		"max_tokens":        defaultMaxTokens,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(catalog) > 0 {
		var toolDefs []map[string]any
		for _, d := range catalog {
			toolDefs = append(toolDefs, map[string]any{
				"name":         names.provider(d.Name),
				"description":  d.Description,
				"input_schema": objectSchema(d.ParameterSchema),
			})
		}
		request["tools"] = toolDefs
	}
	return json.Marshal(request)
}

type bedrockResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	Error   any    `json:"error"`
	Message string `json:"message"`
}

func processBedrockResponse(body []byte, names *nameMap) (string, []session.ToolCall, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if resp.Error != nil {
		return "", nil, errors.New("Bedrock API error: %v", resp.Error)
	}

	var text string
	var calls []session.ToolCall
	for _, item := range resp.Content {
		switch item.Type {
		case "text":
			text += item.Text
		case "tool_use":
			input, err := parseArguments(string(item.Input))
			if err != nil {
				return "", nil, errors.Wrapf(err, "tool call %q", names.original(item.Name))
			}
			calls = append(calls, session.ToolCall{ID: item.ID, Name: names.original(item.Name), Input: input})
		}
	}
	return text, calls, nil
}
