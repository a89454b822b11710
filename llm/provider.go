package llm

import (
	"context"
	"os"
	"strings"

	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/tools"
	"go.uber.org/zap"
)

// Provider turns one request into canonical events. SendMessage reports every
// failure as a single Error event and never returns an error itself.
type Provider interface {
	Name() string
	SendMessage(ctx context.Context, history []session.Message, catalog []tools.Descriptor, systemPrompt string, onEvent func(Event))
}

// Config selects and configures a provider.
type Config struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model"`
	BaseURL  string `json:"baseURL,omitempty"`
}

const defaultMaxTokens = 4096

var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o",
	"gemini":    "gemini-2.0-flash",
	"bedrock":   "anthropic.claude-3-5-sonnet-20240620-v1:0",
	"mock":      "mock",
}

// apiKeyEnv lists the variable each provider falls back to when no key is
// configured.
var apiKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// Providers lists the supported provider names.
func Providers() []string {
	return []string{"anthropic", "openai", "gemini", "bedrock", "mock"}
}

// New builds the provider named in cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Model == "" {
		cfg.Model = defaultModels[cfg.Provider]
	}
	if cfg.APIKey == "" {
		if env, ok := apiKeyEnv[cfg.Provider]; ok {
			cfg.APIKey = os.Getenv(env)
		}
	}
	logger = logger.With(zap.String("provider", cfg.Provider), zap.String("model", cfg.Model))

	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic requires an API key")
		}
		return NewAnthropic(cfg, logger), nil
	case "openai":
		// OpenAI-compatible local servers run without a key.
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, errors.New("openai requires an API key")
		}
		return NewOpenAI(cfg, logger), nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, errors.New("gemini requires an API key")
		}
		return NewGemini(ctx, cfg, logger)
	case "bedrock":
		return NewBedrock(ctx, cfg, logger)
	case "mock":
		return NewMock(), nil
	case "":
		return nil, errors.New("no provider configured")
	default:
		return nil, errors.New("unsupported provider %q (supported: %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
}

// objectSchema returns schema, or an empty object schema when it is unset.
func objectSchema(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, ok := schema["type"]; !ok {
		out := make(map[string]any, len(schema)+1)
		for k, v := range schema {
			out[k] = v
		}
		out["type"] = "object"
		return out
	}
	return schema
}

func requiredFields(schema map[string]any) []string {
	var out []string
	switch req := schema["required"].(type) {
	case []string:
		out = append(out, req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
