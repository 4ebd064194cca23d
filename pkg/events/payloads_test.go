package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToData(t *testing.T) {
	t.Run("nil payload becomes empty object", func(t *testing.T) {
		data, err := toData(nil)
		require.NoError(t, err)
		assert.NotNil(t, data)
		assert.Empty(t, data)
	})

	t.Run("map passes through", func(t *testing.T) {
		in := map[string]any{"k": "v"}
		data, err := toData(in)
		require.NoError(t, err)
		assert.Equal(t, in, data)
	})

	t.Run("tool executing payload uses wire field names", func(t *testing.T) {
		data, err := toData(ToolExecutingPayload{
			ToolID:    "t1",
			ToolName:  "search",
			Arguments: map[string]any{"q": "weather"},
		})
		require.NoError(t, err)
		assert.Equal(t, "t1", data["tool_id"])
		assert.Equal(t, "search", data["tool_name"])
		assert.Equal(t, map[string]any{"q": "weather"}, data["arguments"])
	})

	t.Run("omitempty fields are dropped", func(t *testing.T) {
		data, err := toData(AgentCompletedPayload{Status: "success"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"status": "success"}, data)
	})

	t.Run("duration is always present", func(t *testing.T) {
		data, err := toData(ToolCompletedPayload{ToolID: "t1"})
		require.NoError(t, err)
		assert.EqualValues(t, 0, data["duration_ms"])
	})

	t.Run("non-object payload is rejected", func(t *testing.T) {
		_, err := toData([]string{"a"})
		assert.Error(t, err)
	})

	t.Run("unmarshalable payload is rejected", func(t *testing.T) {
		_, err := toData(map[string]chan int{"c": nil})
		assert.Error(t, err)
	})
}
