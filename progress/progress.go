// Package progress fans grading progress out to live subscribers. There is
// at most one subscriber per token; it receives the full grade on every
// update and is closed shortly after the grade turns terminal.
package progress

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/isdmx/codegrader/grade"
)

// Snapshot is the test-case position of a grading run.
type Snapshot struct {
	TotalTestCase      int     `json:"total_test_case"`
	DoneTestCase       int     `json:"done_test_case"`
	CurrentTestCase    int     `json:"current_test_case"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// NewSnapshot derives the position after done of total cases finished.
func NewSnapshot(done, total int) Snapshot {
	s := Snapshot{TotalTestCase: total, DoneTestCase: done}
	if total > 0 {
		s.CurrentTestCase = min(done+1, total)
		s.ProgressPercentage = float64(done) / float64(total) * 100
	}
	return s
}

// Event is one push: the whole grade plus its snapshot.
type Event struct {
	Grade *grade.Grade
	Snapshot
}

// Terminal reports whether the event carries a final status.
func (e Event) Terminal() bool {
	return e.Grade != nil && e.Grade.Status.IsTerminal()
}

// Payload renders the event as a flat JSON object, optionally with
// free-text fields base64 encoded.
func (e Event) Payload(base64Encoded bool) (map[string]any, error) {
	g := e.Grade
	if base64Encoded {
		g = g.Encoded()
	}
	out, err := g.Fields(nil)
	if err != nil {
		return nil, err
	}
	out["total_test_case"] = e.TotalTestCase
	out["done_test_case"] = e.DoneTestCase
	out["current_test_case"] = e.CurrentTestCase
	out["progress_percentage"] = e.ProgressPercentage
	return out, nil
}

// Publisher receives every local event, e.g. to relay it to other
// instances.
type Publisher interface {
	Publish(token string, e Event) error
}

// Subscription is a registered listener.
type Subscription struct {
	token string
	ch    chan Event

	mu     sync.Mutex
	closed bool
}

// Events yields pushes until the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Token returns the grade token the subscription listens on.
func (s *Subscription) Token() string {
	return s.token
}

// send delivers without blocking and reports whether the event was taken.
func (s *Subscription) send(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Config tunes the Registry.
type Config struct {
	// Grace is how long a subscription stays open after a terminal push.
	Grace time.Duration
	// Buffer is the per-subscription channel capacity.
	Buffer int
}

// Registry holds subscriptions and the last snapshot of every active
// token. It is process-local.
type Registry struct {
	logger *zap.Logger
	cfg    Config

	subs  *xsync.MapOf[string, *Subscription]
	cache *xsync.MapOf[string, Event]

	pubMu      sync.RWMutex
	publishers []Publisher

	afterFunc func(time.Duration, func())
}

// Option configures a Registry.
type Option func(*Registry)

// WithAfterFunc replaces time.AfterFunc for scheduling grace closes.
func WithAfterFunc(f func(time.Duration, func())) Option {
	return func(r *Registry) {
		r.afterFunc = f
	}
}

func NewRegistry(logger *zap.Logger, cfg Config, opts ...Option) *Registry {
	if cfg.Buffer < 1 {
		cfg.Buffer = 16
	}
	r := &Registry{
		logger: logger,
		cfg:    cfg,
		subs:   xsync.NewMapOf[string, *Subscription](),
		cache:  xsync.NewMapOf[string, Event](),
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddPublisher attaches a Publisher to every future local update.
func (r *Registry) AddPublisher(p Publisher) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.publishers = append(r.publishers, p)
}

// Listeners returns the number of open subscriptions.
func (r *Registry) Listeners() int {
	return r.subs.Size()
}

// Register subscribes to token, replacing and closing any former
// subscriber. The last cached snapshot is replayed at once; without one a
// zeroed snapshot of current is pushed.
func (r *Registry) Register(token string, current *grade.Grade) *Subscription {
	sub := &Subscription{token: token, ch: make(chan Event, r.cfg.Buffer)}
	if old, loaded := r.subs.LoadAndStore(token, sub); loaded {
		r.logger.Debug("replacing progress listener", zap.String("token", token))
		old.close()
	}

	e, ok := r.cache.Load(token)
	if !ok {
		if current == nil {
			return sub
		}
		e = Event{Grade: current.Clone()}
		if current.Status.IsTerminal() {
			e.Snapshot = NewSnapshot(current.PassedTestCases, current.TotalTestCases)
		}
	}
	if !sub.send(e) {
		r.drop(token, sub)
		return sub
	}
	if e.Terminal() {
		r.scheduleClose(token, sub)
	}
	return sub
}

// Unregister closes sub if it is still the token's subscriber.
func (r *Registry) Unregister(sub *Subscription) {
	r.drop(sub.token, sub)
}

// Snapshot returns the last cached snapshot for token.
func (r *Registry) Snapshot(token string) (Snapshot, bool) {
	e, ok := r.cache.Load(token)
	return e.Snapshot, ok
}

// Update caches the new state, pushes it to the subscriber and to every
// publisher. A terminal state is never replaced by a non-terminal one.
func (r *Registry) Update(g *grade.Grade, s Snapshot) {
	e := Event{Grade: g.Clone(), Snapshot: s}
	if !r.deliver(e) {
		return
	}
	r.pubMu.RLock()
	defer r.pubMu.RUnlock()
	for _, p := range r.publishers {
		if err := p.Publish(g.Token, e); err != nil {
			r.logger.Warn("failed to publish progress", zap.String("token", g.Token), zap.Error(err))
		}
	}
}

// Advance pushes the grade after done of total cases.
func (r *Registry) Advance(g *grade.Grade, done, total int) {
	r.Update(g, NewSnapshot(done, total))
}

// Fail pushes a terminal grade keeping the last known position.
func (r *Registry) Fail(g *grade.Grade) {
	s, ok := r.Snapshot(g.Token)
	if !ok {
		s = NewSnapshot(g.PassedTestCases, g.TotalTestCases)
	}
	r.Update(g, s)
}

// deliver applies e locally and reports whether it was accepted.
func (r *Registry) deliver(e Event) bool {
	token := e.Grade.Token
	accepted := true
	r.cache.Compute(token, func(old Event, loaded bool) (Event, bool) {
		if loaded && old.Terminal() && !e.Terminal() {
			accepted = false
			return old, false
		}
		return e, false
	})
	if !accepted {
		r.logger.Debug("ignoring non-terminal progress after completion", zap.String("token", token))
		return false
	}

	sub, ok := r.subs.Load(token)
	if ok && !sub.send(e) {
		r.logger.Debug("progress listener unavailable, tearing down", zap.String("token", token))
		r.drop(token, sub)
		sub = nil
	}
	if e.Terminal() {
		r.scheduleClose(token, sub)
	}
	return true
}

func (r *Registry) scheduleClose(token string, sub *Subscription) {
	r.afterFunc(r.cfg.Grace, func() {
		if sub != nil {
			r.drop(token, sub)
		}
		r.cache.Delete(token)
	})
}

func (r *Registry) drop(token string, sub *Subscription) {
	r.subs.Compute(token, func(cur *Subscription, loaded bool) (*Subscription, bool) {
		if !loaded {
			return nil, true
		}
		return cur, cur == sub
	})
	sub.close()
}
