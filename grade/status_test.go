package grade

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIDs(t *testing.T) {
	expected := []struct {
		status Status
		id     int
		desc   string
	}{
		{StatusInQueue, 1, "In Queue"},
		{StatusProcessing, 2, "Processing"},
		{StatusAccepted, 3, "Accepted"},
		{StatusWrongAnswer, 4, "Wrong Answer"},
		{StatusTimeLimitExceeded, 5, "Time Limit Exceeded"},
		{StatusCompilationError, 6, "Compilation Error"},
		{StatusRuntimeError, 7, "Runtime Error"},
		{StatusInternalError, 8, "Internal Error"},
		{StatusMemoryLimitExceeded, 9, "Memory Limit Exceeded"},
		{StatusOutputLimitExceeded, 10, "Output Limit Exceeded"},
		{StatusSecurityViolation, 11, "Security Violation"},
		{StatusPresentationError, 12, "Presentation Error"},
		{StatusPartialScore, 13, "Partial Score"},
		{StatusOther, 14, "Other"},
	}

	for _, e := range expected {
		assert.Equal(t, e.id, e.status.ID())
		assert.Equal(t, e.desc, e.status.String())
	}
	assert.Len(t, AllStatuses(), len(expected))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInQueue.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	for _, s := range AllStatuses()[2:] {
		assert.True(t, s.IsTerminal(), s.String())
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Run("ForwardOnly", func(t *testing.T) {
		assert.True(t, StatusInQueue.CanTransitionTo(StatusProcessing))
		assert.True(t, StatusInQueue.CanTransitionTo(StatusInternalError))
		assert.True(t, StatusProcessing.CanTransitionTo(StatusAccepted))
		assert.False(t, StatusProcessing.CanTransitionTo(StatusInQueue))
		assert.False(t, StatusInQueue.CanTransitionTo(StatusInQueue))
		assert.False(t, StatusProcessing.CanTransitionTo(StatusProcessing))
	})

	t.Run("TerminalIsFinal", func(t *testing.T) {
		for _, from := range AllStatuses() {
			if !from.IsTerminal() {
				continue
			}
			for _, to := range AllStatuses() {
				assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
			}
		}
	})

	t.Run("UnknownTarget", func(t *testing.T) {
		assert.False(t, StatusProcessing.CanTransitionTo(Status(99)))
	})
}

func TestStatusFromID(t *testing.T) {
	s, err := StatusFromID(5)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeLimitExceeded, s)

	_, err = StatusFromID(0)
	require.Error(t, err)
	_, err = StatusFromID(15)
	require.Error(t, err)
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(StatusWrongAnswer)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"description":"Wrong Answer"}`, string(data))

	var s Status
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, StatusWrongAnswer, s)

	require.NoError(t, json.Unmarshal([]byte(`3`), &s))
	assert.Equal(t, StatusAccepted, s)

	require.Error(t, json.Unmarshal([]byte(`{"id":42}`), &s))
}
