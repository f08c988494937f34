package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("CanonicalTokens", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "success", StatusSuccess.String())
		assert.Equal(t, "partial", StatusPartial.String())
		assert.Equal(t, "failed", StatusFailed.String())
		assert.Equal(t, "cancelled", StatusCancelled.String())
		assert.Equal(t, "unknown", StatusNone.String())
	})

	t.Run("IsSuccess", func(t *testing.T) {
		t.Parallel()

		assert.True(t, StatusSuccess.IsSuccess())
		assert.True(t, StatusPartial.IsSuccess())
		assert.False(t, StatusFailed.IsSuccess())
		assert.False(t, StatusCancelled.IsSuccess())
		assert.False(t, StatusNone.IsSuccess())
	})

	t.Run("JSONRoundTrip", func(t *testing.T) {
		t.Parallel()

		data, err := json.Marshal(StatusPartial)
		require.NoError(t, err)
		assert.Equal(t, `"partial"`, string(data))

		var s Status
		require.NoError(t, json.Unmarshal([]byte(`"cancelled"`), &s))
		assert.Equal(t, StatusCancelled, s)

		require.NoError(t, json.Unmarshal([]byte(`"nonsense"`), &s))
		assert.Equal(t, StatusNone, s)
	})
}

func TestNodeState(t *testing.T) {
	t.Parallel()

	t.Run("Tokens", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, "pending", NodePending.String())
		assert.Equal(t, "running", NodeRunning.String())
		assert.Equal(t, "completed", NodeCompleted.String())
		assert.Equal(t, "skipped", NodeSkipped.String())
	})

	t.Run("IsTerminal", func(t *testing.T) {
		t.Parallel()

		assert.False(t, NodePending.IsTerminal())
		assert.False(t, NodeReady.IsTerminal())
		assert.False(t, NodeRunning.IsTerminal())
		assert.True(t, NodeCompleted.IsTerminal())
		assert.True(t, NodeFailed.IsTerminal())
		assert.True(t, NodeSkipped.IsTerminal())
	})
}
