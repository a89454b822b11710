package llm

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Gemini sends one request per turn to the Gemini API and splits the reply
// into text and function calls.
type Gemini struct {
	client geminiSender
	model  string
	logger *zap.Logger
}

// geminiRequest is everything one chat turn sends.
type geminiRequest struct {
	Model             string
	SystemInstruction *genai.Content
	Tools             []*genai.Tool
	History           []*genai.Content
	Parts             []genai.Part
}

// geminiSender is the part of the genai client Gemini uses.
type geminiSender interface {
	SendChat(ctx context.Context, req *geminiRequest) (*genai.GenerateContentResponse, error)
	Close() error
}

type genaiSender struct {
	client *genai.Client
}

func (s genaiSender) SendChat(ctx context.Context, req *geminiRequest) (*genai.GenerateContentResponse, error) {
	// A model value per request keeps concurrent conversations from sharing
	// tool and instruction settings.
	model := s.client.GenerativeModel(req.Model)
	model.Tools = req.Tools
	model.SystemInstruction = req.SystemInstruction

	chat := model.StartChat()
	chat.History = req.History
	return chat.SendMessage(ctx, req.Parts...)
}

func (s genaiSender) Close() error { return s.client.Close() }

func NewGemini(ctx context.Context, cfg Config, logger *zap.Logger) (*Gemini, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &Gemini{client: genaiSender{client: client}, model: cfg.Model, logger: logger}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) SendMessage(ctx context.Context, history []session.Message, catalog []tools.Descriptor, systemPrompt string, onEvent func(Event)) {
	t := startTurn(onEvent)
	names := newNameMap(catalog)

	contents := convertMessagesToGemini(history, names)
	if len(contents) == 0 {
		t.fail(errors.New("gemini request has no messages"))
		return
	}

	last := contents[len(contents)-1]
	req := &geminiRequest{
		Model:   g.model,
		Tools:   convertToolsToGemini(catalog, names),
		History: contents[:len(contents)-1],
		Parts:   last.Parts,
	}
	if systemPrompt != "" {
		req.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	resp, err := g.client.SendChat(ctx, req)
	if err != nil {
		g.logger.Warn("gemini request failed", zap.Error(err))
		t.fail(errors.Wrapf(err, "gemini request failed"))
		return
	}

	text, calls, err := processGeminiResponse(resp, names)
	if err != nil {
		t.fail(err)
		return
	}
	t.appendText(text)
	t.finish(calls)
}

// convertMessagesToGemini maps history onto Gemini contents. Tool results
// become function responses in a user turn; consecutive results share one
// turn.
func convertMessagesToGemini(history []session.Message, names *nameMap) []*genai.Content {
	var out []*genai.Content
	for _, msg := range history {
		switch msg.Role {
		case session.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Input
				if args == nil {
					args = map[string]any{}
				}
				c.Parts = append(c.Parts, genai.FunctionCall{Name: names.provider(tc.Name), Args: args})
			}
			if len(c.Parts) > 0 {
				out = append(out, c)
			}
		case session.RoleTool:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			part := genai.FunctionResponse{
				Name:     names.provider(msg.ToolName),
				Response: map[string]any{key: msg.Content},
			}
			if n := len(out); n > 0 && out[n-1].Role == "user" && isFunctionResponses(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{part}})
		default:
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	return out
}

func isFunctionResponses(c *genai.Content) bool {
	for _, p := range c.Parts {
		if _, ok := p.(genai.FunctionResponse); !ok {
			return false
		}
	}
	return len(c.Parts) > 0
}

func convertToolsToGemini(catalog []tools.Descriptor, names *nameMap) []*genai.Tool {
	if len(catalog) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(catalog))
	for _, d := range catalog {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        names.provider(d.Name),
			Description: d.Description,
			Parameters:  toGeminiSchema(objectSchema(d.ParameterSchema)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON schema map into Gemini's schema subset.
// Keywords Gemini has no field for are dropped.
func toGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if typ, ok := m["type"].(string); ok {
		s.Type = geminiType(typ)
	}
	if types, ok := m["type"].([]any); ok {
		for _, t := range types {
			name, _ := t.(string)
			if name == "null" {
				s.Nullable = true
			} else if s.Type == genai.TypeUnspecified {
				s.Type = geminiType(name)
			}
		}
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	if format, ok := m["format"].(string); ok {
		s.Format = format
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	s.Required = requiredFields(m)
	return s
}

func geminiType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

// processGeminiResponse splits the first candidate into its text and its
// function calls. Gemini does not issue call ids, so each call gets one.
func processGeminiResponse(resp *genai.GenerateContentResponse, names *nameMap) (string, []session.ToolCall, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil, errors.New("received an empty response from Gemini")
	}

	var text strings.Builder
	var calls []session.ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			args := v.Args
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, session.ToolCall{
				ID:    "call_" + uuid.NewString(),
				Name:  names.original(v.Name),
				Input: args,
			})
		}
	}
	return text.String(), calls, nil
}
