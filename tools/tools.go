package tools

import (
	"encoding/json"
	"strings"

	"github.com/m4xw311/toolhub/session"
)

// Descriptor is the read-only description of a registered tool.
type Descriptor struct {
	Name            string         `json:"name"`
	Label           string         `json:"label,omitempty"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameterSchema,omitempty"`
}

// Context describes the page the user is looking at when a tool is invoked.
type Context struct {
	URL   string `json:"url,omitempty"`
	TabID int    `json:"tabId,omitempty"`
}

// Invocation is what an owner receives for one tool call.
type Invocation struct {
	Call    session.ToolCall `json:"call"`
	Context Context          `json:"context"`
}

type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the outcome of one tool call. A failed call is still a Result:
// Error is set and Content explains the failure to the model.
type Result struct {
	Content []ContentBlock  `json:"content"`
	Details json.RawMessage `json:"details,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NoTextPlaceholder stands in for results that carry no text content.
const NoTextPlaceholder = "Tool executed successfully"

func TextResult(text string) Result {
	return Result{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func ErrorResult(msg string) Result {
	return Result{Content: []ContentBlock{{Type: "text", Text: msg}}, Error: msg}
}

// Text concatenates the text blocks of the result, or returns
// NoTextPlaceholder when there are none.
func (r Result) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		if r.Error != "" {
			return r.Error
		}
		return NoTextPlaceholder
	}
	return strings.Join(parts, "\n")
}

func (r Result) IsError() bool { return r.Error != "" }
