package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codegrader/grade"
)

// CallbackTokenHeader carries the grade token on webhook requests.
const CallbackTokenHeader = "X-Judge-Token"

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallbackRecorder counts webhook deliveries.
type CallbackRecorder interface {
	Callback(ok bool)
}

// CallbackConfig tunes webhook delivery.
type CallbackConfig struct {
	Enabled  bool
	MaxTries int
	Timeout  time.Duration
	// Backoff is the wait before the second try; it doubles afterwards.
	Backoff time.Duration
}

// CallbackNotifier PUTs the base64-encoded grade to its callback_url once
// it is terminal. Deliveries run in the background with bounded retries.
type CallbackNotifier struct {
	logger   *zap.Logger
	cfg      CallbackConfig
	client   HTTPDoer
	recorder CallbackRecorder
	sleep    func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CallbackOption configures a CallbackNotifier.
type CallbackOption func(*CallbackNotifier)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c HTTPDoer) CallbackOption {
	return func(n *CallbackNotifier) {
		n.client = c
	}
}

// WithCallbackRecorder attaches a delivery counter.
func WithCallbackRecorder(r CallbackRecorder) CallbackOption {
	return func(n *CallbackNotifier) {
		n.recorder = r
	}
}

// WithCallbackSleep replaces the retry wait.
func WithCallbackSleep(sleep func(ctx context.Context, d time.Duration) error) CallbackOption {
	return func(n *CallbackNotifier) {
		n.sleep = sleep
	}
}

func NewCallbackNotifier(logger *zap.Logger, cfg CallbackConfig, opts ...CallbackOption) *CallbackNotifier {
	cfg.MaxTries = max(cfg.MaxTries, 1)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &CallbackNotifier{
		logger: logger,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sleep:  sleepContext,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ Notifier = (*CallbackNotifier)(nil)

// Notify schedules delivery when the grade asked for a callback.
func (n *CallbackNotifier) Notify(g *grade.Grade) {
	if !n.cfg.Enabled || g.CallbackURL == "" || !g.Status.IsTerminal() {
		return
	}
	body, err := json.Marshal(g.Encoded())
	if err != nil {
		n.logger.Error("failed to encode callback body", zap.String("token", g.Token), zap.Error(err))
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ok := n.deliver(g.Token, g.CallbackURL, body)
		if n.recorder != nil {
			n.recorder.Callback(ok)
		}
	}()
}

func (n *CallbackNotifier) deliver(token, url string, body []byte) bool {
	logger := n.logger.With(zap.String("token", token), zap.String("url", url))
	backoff := n.cfg.Backoff
	for try := 1; try <= n.cfg.MaxTries; try++ {
		err := n.put(token, url, body)
		if err == nil {
			logger.Debug("callback delivered", zap.Int("try", try))
			return true
		}
		logger.Warn("callback failed", zap.Int("try", try), zap.Error(err))
		if try == n.cfg.MaxTries {
			break
		}
		if n.sleep(n.ctx, backoff) != nil {
			break
		}
		backoff *= 2
	}
	return false
}

func (n *CallbackNotifier) put(token, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CallbackTokenHeader, token)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (n *CallbackNotifier) Wait() {
	n.wg.Wait()
}

// Close aborts pending retries and waits for deliveries to return.
func (n *CallbackNotifier) Close() {
	n.cancel()
	n.wg.Wait()
}
