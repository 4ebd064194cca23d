package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleEvent_MarshalFieldOrder(t *testing.T) {
	evt := &LifecycleEvent{
		Type:           EventTypeAgentStarted,
		UserID:         "u1",
		ThreadID:       "t1",
		RunID:          "r1",
		SequenceNumber: 1,
		Timestamp:      FormatTimestamp(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	}

	b, err := evt.Marshal()
	require.NoError(t, err)

	s := string(b)
	order := []string{`"type"`, `"user_id"`, `"thread_id"`, `"run_id"`, `"sequence_number"`, `"timestamp"`, `"data"`}
	last := -1
	for _, key := range order {
		idx := strings.Index(s, key)
		require.GreaterOrEqual(t, idx, 0, "missing %s in %s", key, s)
		assert.Greater(t, idx, last, "%s out of order in %s", key, s)
		last = idx
	}
	assert.Contains(t, s, `"data":{}`)
	assert.Contains(t, s, `"timestamp":"2026-01-02T03:04:05Z"`)
}

func TestLifecycleEvent_ToolID(t *testing.T) {
	evt := &LifecycleEvent{Data: map[string]any{"tool_id": "t1"}}
	assert.Equal(t, "t1", evt.ToolID())
	assert.Equal(t, "", (&LifecycleEvent{}).ToolID())
}

func TestIsCriticalEventType(t *testing.T) {
	for _, typ := range []string{EventTypeAgentStarted, EventTypeAgentThinking, EventTypeToolExecuting, EventTypeToolCompleted, EventTypeAgentCompleted} {
		assert.True(t, IsCriticalEventType(typ), typ)
	}
	assert.False(t, IsCriticalEventType("partial_result"))
}

func TestPriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{in: "", want: PriorityNormal},
		{in: "HIGH", want: PriorityHigh},
		{in: "critical", want: PriorityCritical},
		{in: "urgent", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, PriorityCritical, PriorityForEventType(EventTypeAgentCompleted))
	assert.Equal(t, PriorityHigh, PriorityForEventType(EventTypeToolExecuting))
	assert.Equal(t, PriorityNormal, PriorityForEventType(EventTypeAgentThinking))
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.False(t, Priority(7).IsValid())
}
