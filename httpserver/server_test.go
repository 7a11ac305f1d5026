package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codegrader/config"
	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/language"
	"github.com/isdmx/codegrader/progress"
	"github.com/isdmx/codegrader/service"
	"github.com/isdmx/codegrader/store"
)

type scheduleFunc func(ctx context.Context, token string) error

func (f scheduleFunc) Schedule(ctx context.Context, token string) error { return f(ctx, token) }

type fixture struct {
	server   *Server
	store    *store.Memory
	progress *progress.Registry
}

func newFixture(t *testing.T, serverCfg config.ServerConfig, mutate func(*service.Config)) *fixture {
	t.Helper()
	registry, err := language.NewRegistry(language.Defaults())
	require.NoError(t, err)

	s := store.NewMemory()
	require.NoError(t, s.PutProblem(context.Background(), &grade.Problem{
		ID:        1,
		TestCases: []grade.TestCase{{OrderIndex: 1, Input: "1", ExpectedOutput: "1"}},
	}))

	cfg := service.Config{
		Limits:                 grade.DefaultLimits(),
		Features:               grade.DefaultFeatures(),
		EnableWaitResult:       true,
		EnableSubmissionDelete: true,
		MaxQueueSize:           10,
		MaintenanceMessage:     "down for upgrade",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zaptest.NewLogger(t)
	reg := progress.NewRegistry(logger, progress.Config{Grace: time.Millisecond})
	noop := scheduleFunc(func(context.Context, string) error { return nil })
	svc := service.New(logger, cfg, registry, s, s, noop, reg, nil)

	serverCfg.Mode = "test"
	return &fixture{
		server:   New(logger, serverCfg, svc),
		store:    s,
		progress: reg,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) submit(t *testing.T, headers map[string]string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/grade/1", `{"source_code":"print(1)","language_id":71}`, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// finish moves a queued grade to Accepted with all cases passed.
func (f *fixture) finish(t *testing.T, token string) *grade.Grade {
	t.Helper()
	ctx := context.Background()
	g, err := f.store.ClaimGrade(ctx, token, "test", time.Now())
	require.NoError(t, err)
	g.TotalTestCases, g.PassedTestCases = 2, 2
	g.Stdout = "1"
	require.NoError(t, g.Transition(grade.StatusAccepted, time.Now()))
	require.NoError(t, f.store.SaveGrade(ctx, g))
	return g
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateGrade(t *testing.T) {
	t.Run("ProblemSubmission", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		token := f.submit(t, nil)

		w := f.do(t, http.MethodGet, "/grade/"+token, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, token, body["token"])
		assert.Equal(t, "print(1)", body["source_code"])
		assert.Equal(t, map[string]any{"id": float64(1), "description": "In Queue"}, body["status"])
	})

	t.Run("PlainBase64", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		w := f.do(t, http.MethodPost, "/grade?base64_encoded=true",
			`{"source_code":"cHJpbnQoMSk=","language_id":71,"stdin":"","expected_output":"MQ==","wall_time_limit":2}`, nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		token := decode(t, w)["token"].(string)
		g, err := f.store.GetGrade(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "print(1)", g.SourceCode)
		assert.Equal(t, "1", g.ExpectedOutput)
		assert.Equal(t, 2.0, g.WallTimeLimit)
	})

	t.Run("Wait", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		w := f.do(t, http.MethodPost, "/grade/1?wait=true", `{"source_code":"x","language_id":71}`, nil)
		require.Equal(t, http.StatusFound, w.Code)
		assert.Regexp(t, `^/grade/[0-9a-f-]+/progress$`, w.Header().Get("Location"))
	})

	t.Run("WaitDisabled", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, func(c *service.Config) { c.EnableWaitResult = false })
		w := f.do(t, http.MethodPost, "/grade/1?wait=true", `{"source_code":"x","language_id":71}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("ValidationError", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		w := f.do(t, http.MethodPost, "/grade", `{"source_code":"x","language_id":71,"memory_limit":10}`, nil)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "memory_limit", decode(t, w)["field"])
	})

	t.Run("UnknownProblem", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		w := f.do(t, http.MethodPost, "/grade/42", `{"source_code":"x","language_id":71}`, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("QueueFull", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, func(c *service.Config) { c.MaxQueueSize = 1 })
		f.submit(t, nil)
		w := f.do(t, http.MethodPost, "/grade/1", `{"source_code":"x","language_id":71}`, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("Maintenance", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, func(c *service.Config) { c.MaintenanceMode = true })
		w := f.do(t, http.MethodPost, "/grade/1", `{"source_code":"x","language_id":71}`, nil)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "down for upgrade")
	})
}

func TestShowGrade(t *testing.T) {
	f := newFixture(t, config.ServerConfig{}, nil)
	alice := map[string]string{UserIDHeader: "alice"}
	token := f.submit(t, alice)

	t.Run("Owner", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/grade/"+token+"?fields=token,status", "", alice)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Len(t, body, 2)
		assert.Equal(t, token, body["token"])
	})

	t.Run("Forbidden", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/grade/"+token, "", map[string]string{UserIDHeader: "bob"})
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.NotContains(t, w.Body.String(), "print(1)")

		w = f.do(t, http.MethodGet, "/grade/"+token, "", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("NotFound", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/grade/missing", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("ProgressRedirect", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/grade/"+token+"?progress=true", "", alice)
		require.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "/grade/"+token+"/progress", w.Header().Get("Location"))

		f.finish(t, token)
		w = f.do(t, http.MethodGet, "/grade/"+token+"?progress=true&base64_encoded=true", "", alice)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "MQ==", decode(t, w)["stdout"])
	})
}

func TestDeleteGrade(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, func(c *service.Config) { c.EnableSubmissionDelete = false })
		token := f.submit(t, nil)
		w := f.do(t, http.MethodDelete, "/grade/"+token, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Finished", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		token := f.submit(t, nil)

		w := f.do(t, http.MethodDelete, "/grade/"+token, "", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)

		f.finish(t, token)
		w = f.do(t, http.MethodDelete, "/grade/"+token, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "cHJpbnQoMSk=", decode(t, w)["source_code"])

		w = f.do(t, http.MethodGet, "/grade/"+token, "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListGrades(t *testing.T) {
	f := newFixture(t, config.ServerConfig{}, nil)
	alice := map[string]string{UserIDHeader: "alice"}
	for range 3 {
		f.submit(t, alice)
	}
	f.submit(t, nil)

	w := f.do(t, http.MethodGet, "/grade?per_page=2&fields=token", "", alice)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["grades"], 2)
	assert.Equal(t, map[string]any{
		"current_page": float64(1),
		"next_page":    float64(2),
		"prev_page":    nil,
		"total_pages":  float64(2),
		"total_count":  float64(3),
		"per_page":     float64(2),
	}, body["meta"])

	w = f.do(t, http.MethodGet, "/grade", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["grades"], 1)

	w = f.do(t, http.MethodGet, "/grade?problem_id=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReferenceRoutes(t *testing.T) {
	f := newFixture(t, config.ServerConfig{}, nil)

	w := f.do(t, http.MethodGet, "/languages", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var langs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &langs))
	assert.NotEmpty(t, langs)

	w = f.do(t, http.MethodGet, "/languages/71", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(71), decode(t, w)["id"])

	w = f.do(t, http.MethodGet, "/languages/4242", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/statuses", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var statuses []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	assert.Len(t, statuses, 14)
	assert.Equal(t, "Accepted", statuses[2]["description"])

	w = f.do(t, http.MethodGet, "/config_info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(10), decode(t, w)["max_queue_size"])

	f.submit(t, nil)
	w = f.do(t, http.MethodGet, "/queue", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["in_queue"])
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t, config.ServerConfig{AuthToken: "s3cret"}, nil)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/statuses", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/statuses", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/statuses", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProgressSSE(t *testing.T) {
	t.Run("FinishedGrade", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		token := f.submit(t, nil)
		f.finish(t, token)
		ts := httptest.NewServer(f.server.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/grade/" + token + "/progress")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "event:progress")
		assert.Contains(t, string(raw), `"progress_percentage":100`)
	})

	t.Run("LiveUpdates", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		token := f.submit(t, nil)
		ts := httptest.NewServer(f.server.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/grade/" + token + "/progress")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		require.Eventually(t, func() bool { return f.progress.Listeners() == 1 }, 2*time.Second, 5*time.Millisecond)
		g := f.finish(t, token)
		f.progress.Advance(g, 2, 2)

		var events []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data:") {
				events = append(events, line)
			}
		}
		require.Len(t, events, 2)
		assert.Contains(t, events[0], `"progress_percentage":0`)
		assert.Contains(t, events[1], `"progress_percentage":100`)
	})

	t.Run("Forbidden", func(t *testing.T) {
		f := newFixture(t, config.ServerConfig{}, nil)
		token := f.submit(t, map[string]string{UserIDHeader: "alice"})
		w := f.do(t, http.MethodGet, "/grade/"+token+"/progress", "", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestProgressWebSocket(t *testing.T) {
	f := newFixture(t, config.ServerConfig{}, nil)
	token := f.submit(t, nil)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/grade/" + token + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first wsMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, ProgressEvent, first.Event)
	assert.Equal(t, token, first.Data["token"])

	g := f.finish(t, token)
	f.progress.Advance(g, 2, 2)

	var last wsMessage
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, float64(100), last.Data["progress_percentage"])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, config.ServerConfig{EnableMetrics: true, AuthToken: "s3cret"}, nil)

	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
