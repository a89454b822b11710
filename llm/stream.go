package llm

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/session"
)

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// toolCallAccumulator collects streamed tool call fragments by index. The
// argument string of each call is only parsed once the stream has ended.
type toolCallAccumulator struct {
	calls map[int]*partialCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) add(index int, id, name, args string) {
	c, ok := a.calls[index]
	if !ok {
		c = &partialCall{}
		a.calls[index] = c
	}
	if id != "" {
		c.id = id
	}
	if name != "" && c.name == "" {
		c.name = name
	}
	c.args.WriteString(args)
}

func (a *toolCallAccumulator) empty() bool { return len(a.calls) == 0 }

// finish parses every call in index order and maps names back to the
// originals.
func (a *toolCallAccumulator) finish(names *nameMap) ([]session.ToolCall, error) {
	indices := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]session.ToolCall, 0, len(indices))
	for _, i := range indices {
		c := a.calls[i]
		input, err := parseArguments(c.args.String())
		if err != nil {
			return nil, errors.Wrapf(err, "tool call %q", names.original(c.name))
		}
		id := c.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out = append(out, session.ToolCall{ID: id, Name: names.original(c.name), Input: input})
	}
	return out, nil
}

func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, errors.Wrapf(errors.ErrMalformedArguments, "%v", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
