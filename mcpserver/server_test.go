package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codegrader/config"
	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/language"
	"github.com/isdmx/codegrader/progress"
	"github.com/isdmx/codegrader/sandbox"
	"github.com/isdmx/codegrader/service"
	"github.com/isdmx/codegrader/store"
)

// MockBackend answers ExecuteCode with a fixed result.
type MockBackend struct {
	sandbox.Backend
	requests []sandbox.Request
	result   sandbox.Result
}

func (m *MockBackend) ExecuteCode(_ context.Context, req sandbox.Request) (sandbox.Result, error) {
	m.requests = append(m.requests, req)
	return m.result, nil
}

type MockScheduler struct {
	tokens []string
}

func (m *MockScheduler) Schedule(_ context.Context, token string) error {
	m.tokens = append(m.tokens, token)
	return nil
}

func newTestServer(t *testing.T) (*MCPServer, *MockBackend, *MockScheduler) {
	t.Helper()
	registry, err := language.NewRegistry(language.Defaults())
	require.NoError(t, err)

	s := store.NewMemory()
	require.NoError(t, s.PutProblem(context.Background(), &grade.Problem{
		ID:        1,
		TestCases: []grade.TestCase{{OrderIndex: 1, Input: "1", ExpectedOutput: "1"}},
	}))

	logger := zaptest.NewLogger(t)
	backend := &MockBackend{result: sandbox.Result{
		Status:  grade.StatusAccepted,
		Stdout:  "hello\n",
		Metrics: grade.Metrics{Time: grade.Ptr(0.01), ExitCode: grade.Ptr(0)},
	}}
	scheduler := &MockScheduler{}
	svc := service.New(logger, service.Config{
		Limits:       grade.DefaultLimits(),
		Features:     grade.DefaultFeatures(),
		MaxQueueSize: 10,
	}, registry, s, s, scheduler, progress.NewRegistry(logger, progress.Config{Grace: time.Millisecond}), backend)

	return New(config.MCPConfig{Transport: "http", Address: "127.0.0.1:0"}, logger, svc), backend, scheduler
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestNew(t *testing.T) {
	s, _, _ := newTestServer(t)

	assert.NotNil(t, s)
	assert.NotNil(t, s.GetMCPServer())
	assert.Nil(t, s.http)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestExecuteCode(t *testing.T) {
	t.Run("RunsOnce", func(t *testing.T) {
		s, backend, scheduler := newTestServer(t)

		res, err := s.handleExecuteCode(context.Background(), call("execute_code", map[string]any{
			"source_code": "print('hello')",
			"language_id": float64(71),
			"stdin":       "x",
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
		assert.Equal(t, "hello\n", out["stdout"])
		assert.Equal(t, float64(0), out["exit_code"])
		status := out["status"].(map[string]any)
		assert.Equal(t, "Accepted", status["description"])

		require.Len(t, backend.requests, 1)
		assert.Equal(t, "x", backend.requests[0].Stdin)
		assert.Equal(t, 71, backend.requests[0].Language.ID)
		assert.Empty(t, scheduler.tokens)
	})

	t.Run("MissingSource", func(t *testing.T) {
		s, backend, _ := newTestServer(t)

		res, err := s.handleExecuteCode(context.Background(), call("execute_code", map[string]any{
			"language_id": float64(71),
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Empty(t, backend.requests)
	})

	t.Run("UnknownLanguage", func(t *testing.T) {
		s, backend, _ := newTestServer(t)

		res, err := s.handleExecuteCode(context.Background(), call("execute_code", map[string]any{
			"source_code": "x",
			"language_id": float64(12345),
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "language_id")
		assert.Empty(t, backend.requests)
	})
}

func TestSubmitAndGetGrade(t *testing.T) {
	s, _, scheduler := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSubmitGrade(ctx, call("submit_grade", map[string]any{
		"source_code": "print(1)",
		"language_id": float64(71),
		"problem_id":  float64(1),
		"user_id":     "alice",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &created))
	require.NotEmpty(t, created.Token)
	assert.Equal(t, []string{created.Token}, scheduler.tokens)

	t.Run("Owner", func(t *testing.T) {
		res, err := s.handleGetGrade(ctx, call("get_grade", map[string]any{
			"token":   created.Token,
			"user_id": "alice",
		}))
		require.NoError(t, err)
		require.False(t, res.IsError)

		var g grade.Grade
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &g))
		assert.Equal(t, created.Token, g.Token)
		assert.Equal(t, grade.StatusInQueue, g.Status)
	})

	t.Run("OtherUser", func(t *testing.T) {
		res, err := s.handleGetGrade(ctx, call("get_grade", map[string]any{
			"token":   created.Token,
			"user_id": "bob",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("UnknownToken", func(t *testing.T) {
		res, err := s.handleGetGrade(ctx, call("get_grade", map[string]any{"token": "nope"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("UnknownProblem", func(t *testing.T) {
		res, err := s.handleSubmitGrade(ctx, call("submit_grade", map[string]any{
			"source_code": "print(1)",
			"language_id": float64(71),
			"problem_id":  float64(42),
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestListLanguages(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, err := s.handleListLanguages(context.Background(), call("list_languages", nil))
	require.NoError(t, err)

	var langs []language.Language
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &langs))
	require.NotEmpty(t, langs)
	for _, l := range langs {
		assert.False(t, l.IsArchived, l.Name)
	}
}
