// Package engine ties the queue, the matchmaker and the session store into
// the operations exposed to transports: joining and leaving the queue,
// relaying messages, ending sessions and handling reports. Notifications go
// out through a Notifier only after the state change they describe has
// committed.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/ban"
	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/matching"
	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/report"
	"github.com/whisper/randomchat/internal/session"
)

// Notifier delivers an event to a single user.
type Notifier interface {
	Notify(userID string, ev chat.Event) error
}

// BanChecker is the view of the ban store the engine needs.
type BanChecker interface {
	Check(ctx context.Context, userID string) (ban.Status, error)
	RecordReport(ctx context.Context, userID string) (ban.Status, error)
}

// BanError is returned by JoinQueue for a banned user. It matches
// chat.ErrBanned with errors.Is.
type BanError struct {
	Status ban.Status
}

func (e *BanError) Error() string {
	return fmt.Sprintf("%v: %s (%s remaining)", chat.ErrBanned, e.Status.Reason, e.Status.Remaining)
}

func (e *BanError) Unwrap() error { return chat.ErrBanned }

// Config holds the engine's timing and matching knobs.
type Config struct {
	IdleTimeout   time.Duration // active sessions without traffic end after this
	QueueMaxWait  time.Duration // waiters are dropped after this
	Retention     time.Duration // ended sessions stay readable for this long
	SweepInterval time.Duration
	ScanLimit     int // waiters inspected for a language match
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   3 * time.Minute,
		QueueMaxWait:  5 * time.Minute,
		Retention:     30 * time.Minute,
		SweepInterval: 30 * time.Second,
		ScanLimit:     matching.DefaultScanLimit,
	}
}

// Deps are the collaborators of an Engine. Every field is optional: a nil
// Sessions or Reports gets an in-memory store, a nil Notifier drops events,
// a nil Bans disables ban checks and a nil Clock uses time.Now.
type Deps struct {
	Sessions *session.Store
	Reports  report.Store
	Notifier Notifier
	Bans     BanChecker
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Engine is one process-local instance of the random-chat core.
type Engine struct {
	cfg      Config
	sessions *session.Store
	queue    *matching.Queue
	matcher  *matching.Matchmaker
	reports  report.Store
	notifier Notifier
	bans     BanChecker
	log      *zap.Logger
	now      func() time.Time
}

// New builds an engine.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.QueueMaxWait <= 0 {
		cfg.QueueMaxWait = def.QueueMaxWait
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewStore(nil)
	}
	reports := deps.Reports
	if reports == nil {
		reports = report.NewMemoryStore()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	queue := matching.NewQueue(sessions, cfg.ScanLimit)
	matcher := matching.NewMatchmaker(queue, sessions, matching.NewWaitEstimator(), log)
	matcher.SetClock(now)
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		queue:    queue,
		matcher:  matcher,
		reports:  reports,
		notifier: notifier,
		bans:     deps.Bans,
		log:      log.Named("engine"),
		now:      now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// QueueLen returns the number of waiting users.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// ActiveSessions returns the number of active sessions.
func (e *Engine) ActiveSessions() int { return e.sessions.ActiveCount() }

type nopNotifier struct{}

func (nopNotifier) Notify(string, chat.Event) error { return nil }

// notify delivers ev and logs failures. Must not be called with any session
// or queue lock held.
func (e *Engine) notify(userID string, ev chat.Event) {
	if err := e.notifier.Notify(userID, ev); err != nil {
		e.log.Warn("notify failed",
			zap.String("user", userID),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	}
}

// observe refreshes the queue and session gauges.
func (e *Engine) observe() {
	for ct, n := range e.queue.Sizes() {
		metrics.QueueSize.WithLabelValues(string(ct)).Set(float64(n))
	}
	metrics.ActiveSessions.Set(float64(e.sessions.ActiveCount()))
}
