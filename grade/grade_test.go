package grade

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGrade(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := New("print(1)", 71, Ptr(int64(7)), nil, validConstraints(), now)

	assert.NotEmpty(t, g.Token)
	assert.Equal(t, StatusInQueue, g.Status)
	assert.Equal(t, now, g.CreatedAt)
	require.NotNil(t, g.QueuedAt)
	assert.False(t, g.IsPlain())

	other := New("print(1)", 71, nil, nil, validConstraints(), now)
	assert.NotEqual(t, g.Token, other.Token)
	assert.True(t, other.IsPlain())
}

func TestGradeTransition(t *testing.T) {
	now := time.Now()
	g := New("x", 71, nil, nil, validConstraints(), now)

	require.NoError(t, g.Transition(StatusProcessing, now))
	require.NotNil(t, g.StartedAt)
	assert.Nil(t, g.FinishedAt)

	later := now.Add(time.Second)
	require.NoError(t, g.Transition(StatusWrongAnswer, later))
	require.NotNil(t, g.FinishedAt)
	assert.Equal(t, later, *g.FinishedAt)

	err := g.Transition(StatusAccepted, later)
	require.Error(t, err)
	assert.Equal(t, StatusWrongAnswer, g.Status)
}

func TestMetricsMerge(t *testing.T) {
	var m Metrics
	m.Merge(Metrics{Time: Ptr(0.5), WallTime: Ptr(0.7), Memory: Ptr(int64(1000)), ExitCode: Ptr(0)})
	m.Merge(Metrics{Time: Ptr(0.2), WallTime: Ptr(0.9), Memory: Ptr(int64(500)), ExitCode: Ptr(3), ExitSignal: Ptr(11)})

	assert.InDelta(t, 0.5, *m.Time, 1e-9)
	assert.InDelta(t, 0.9, *m.WallTime, 1e-9)
	assert.Equal(t, int64(1000), *m.Memory)
	assert.Equal(t, 3, *m.ExitCode)
	assert.Equal(t, 11, *m.ExitSignal)
}

func TestCanBeAccessedBy(t *testing.T) {
	public := &Grade{}
	assert.True(t, public.CanBeAccessedBy(nil))
	assert.True(t, public.CanBeAccessedBy(Ptr("alice")))

	owned := &Grade{UserID: Ptr("alice")}
	assert.True(t, owned.CanBeAccessedBy(Ptr("alice")))
	assert.False(t, owned.CanBeAccessedBy(Ptr("bob")))
	assert.False(t, owned.CanBeAccessedBy(nil))
}

func TestResetOutcome(t *testing.T) {
	g := &Grade{
		Metrics:         Metrics{Time: Ptr(1.0)},
		PassedTestCases: 2,
		TotalTestCases:  3,
		ExecutionResult: ExecutionResult{Stdin: "in", ExpectedOutput: "out", Stdout: "x", Message: "m"},
	}
	g.ResetOutcome()
	assert.Nil(t, g.Time)
	assert.Zero(t, g.PassedTestCases)
	assert.Equal(t, "in", g.Stdin)
	assert.Equal(t, "out", g.ExpectedOutput)
	assert.Empty(t, g.Stdout)
	assert.Empty(t, g.Message)

	bound := &Grade{ProblemID: Ptr(int64(1)), ExecutionResult: ExecutionResult{Stdin: "case"}}
	bound.ResetOutcome()
	assert.Empty(t, bound.Stdin)
}

func TestCloneIsDeep(t *testing.T) {
	g := &Grade{UserID: Ptr("alice"), Metrics: Metrics{Memory: Ptr(int64(10))}}
	c := g.Clone()
	*c.UserID = "bob"
	*c.Memory = 20
	assert.Equal(t, "alice", *g.UserID)
	assert.Equal(t, int64(10), *g.Memory)
}

func TestEncodedAndFields(t *testing.T) {
	g := &Grade{
		Token:           "tok",
		SourceCode:      "print(1)",
		Status:          StatusAccepted,
		ExecutionResult: ExecutionResult{Stdout: "1\n"},
	}

	enc := g.Encoded()
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("print(1)")), enc.SourceCode)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("1\n")), enc.Stdout)
	assert.Equal(t, "print(1)", g.SourceCode)

	fields, err := g.Fields([]string{"token", "stdout", "status", "nope"})
	require.NoError(t, err)
	assert.Len(t, fields, 3)
	assert.Equal(t, "tok", fields["token"])
	assert.Equal(t, "1\n", fields["stdout"])

	all, err := g.Fields(nil)
	require.NoError(t, err)
	assert.Contains(t, all, "cpu_time_limit")
	assert.Contains(t, all, "compile_output")
	assert.Contains(t, all, "wall_time")
}

func TestSortTestCases(t *testing.T) {
	cases := []TestCase{{OrderIndex: 2, Input: "c"}, {OrderIndex: 0, Input: "a"}, {OrderIndex: 1, Input: "b"}}
	SortTestCases(cases)
	assert.Equal(t, "a", cases[0].Input)
	assert.Equal(t, "b", cases[1].Input)
	assert.Equal(t, "c", cases[2].Input)
}
