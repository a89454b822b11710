package llm

import (
	"testing"

	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorOrdersByIndex(t *testing.T) {
	names := newNameMap([]tools.Descriptor{{Name: "nav.click"}, {Name: "fs.list"}})
	acc := newToolCallAccumulator()

	acc.add(1, "call_b", "fs_list", "")
	acc.add(0, "call_a", "nav_click", `{"sel`)
	acc.add(0, "", "", `ector":"#go"}`)
	acc.add(1, "", "", "  ")

	calls, err := acc.finish(names)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "nav.click", calls[0].Name)
	assert.Equal(t, map[string]any{"selector": "#go"}, calls[0].Input)
	assert.Equal(t, "fs.list", calls[1].Name)
	assert.Equal(t, map[string]any{}, calls[1].Input)
}

func TestAccumulatorMalformedArguments(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add(0, "call_a", "nav_click", `{"selector":`)

	_, err := acc.finish(newNameMap(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedArguments))
}

func TestAccumulatorAssignsMissingIDs(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add(0, "", "noop", "{}")
	calls, err := acc.finish(newNameMap(nil))
	require.NoError(t, err)
	assert.NotEmpty(t, calls[0].ID)
}
