package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/metrics"
)

// SessionCreator registers a newly matched session.
type SessionCreator interface {
	Create(cs *chat.ChatSession) error
}

// Queued describes a user still waiting for a partner.
type Queued struct {
	AnonymousID   string        `json:"anonymous_id"`
	Position      int           `json:"position"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// Matched describes the session a user was just paired into.
type Matched struct {
	SessionID          string        `json:"session_id"`
	ChatType           chat.ChatType `json:"chat_type"`
	AnonymousID        string        `json:"anonymous_id"`
	PartnerAnonymousID string        `json:"partner_anonymous_id"`
	PartnerUserID      string        `json:"-"`
}

// MatchResult is the outcome of TryMatch: exactly one of Queued or Matched
// is set.
type MatchResult struct {
	Queued  *Queued  `json:"queued,omitempty"`
	Matched *Matched `json:"matched,omitempty"`
}

// Matchmaker pairs queued users into sessions.
type Matchmaker struct {
	queue     *Queue
	sessions  SessionCreator
	estimator *WaitEstimator
	log       *zap.Logger
	now       func() time.Time
}

// NewMatchmaker creates a matchmaker over the given queue and session store.
func NewMatchmaker(queue *Queue, sessions SessionCreator, estimator *WaitEstimator, log *zap.Logger) *Matchmaker {
	if estimator == nil {
		estimator = NewWaitEstimator()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Matchmaker{
		queue:     queue,
		sessions:  sessions,
		estimator: estimator,
		log:       log.Named("matcher"),
		now:       time.Now,
	}
}

// SetClock replaces the time source for the matchmaker and its queue.
func (m *Matchmaker) SetClock(now func() time.Time) {
	m.now = now
	m.queue.SetClock(now)
}

// Queue returns the underlying queue.
func (m *Matchmaker) Queue() *Queue { return m.queue }

// TryMatch enqueues the user and, if a partner is waiting in the same chat
// type, immediately pairs them.
//
// The whole step runs inside the bucket's critical section. The session is
// registered before either entry leaves the membership index, so a
// concurrent join by either user sees ErrAlreadyQueued or
// ErrAlreadyInSession, never a gap.
func (m *Matchmaker) TryMatch(userID string, prefs chat.Preferences) (MatchResult, error) {
	prefs, err := prefs.Normalize()
	if err != nil {
		return MatchResult{}, err
	}
	b, err := m.queue.bucket(prefs.ChatType)
	if err != nil {
		return MatchResult{}, err
	}

	b.mu.Lock()
	self, err := m.queue.enqueueLocked(b, userID, prefs)
	if err != nil {
		b.mu.Unlock()
		return MatchResult{}, err
	}

	partner := m.queue.findMatchLocked(b, self)
	if partner == nil {
		pos := positionLocked(b, self)
		anonID := self.AnonymousID
		b.mu.Unlock()

		m.log.Debug("enqueued",
			zap.String("user", userID),
			zap.String("chat_type", string(prefs.ChatType)),
			zap.String("language", prefs.Language),
			zap.Int("position", pos))
		return MatchResult{Queued: &Queued{
			AnonymousID:   anonID,
			Position:      pos,
			EstimatedWait: m.estimator.Estimate(prefs.ChatType),
		}}, nil
	}

	now := m.now()
	language := partner.Preferences.Language
	if self.Preferences.Language != "" {
		language = self.Preferences.Language
	}
	cs := chat.NewSession(uuid.NewString(), prefs.ChatType, language,
		chat.Participant{UserID: partner.UserID, AnonymousID: partner.AnonymousID, JoinedAt: partner.EnqueuedAt},
		chat.Participant{UserID: self.UserID, AnonymousID: self.AnonymousID, JoinedAt: self.EnqueuedAt},
		now)

	if err := m.sessions.Create(cs); err != nil {
		m.queue.removeLocked(b, self)
		b.mu.Unlock()
		return MatchResult{}, fmt.Errorf("matching: create session: %w", err)
	}
	m.queue.removeLocked(b, partner)
	m.queue.removeLocked(b, self)
	b.mu.Unlock()

	wait := now.Sub(partner.EnqueuedAt)
	m.estimator.Record(prefs.ChatType, wait)
	metrics.MatchesTotal.WithLabelValues(string(prefs.ChatType)).Inc()
	metrics.MatchWait.WithLabelValues(string(prefs.ChatType)).Observe(wait.Seconds())

	m.log.Info("match created",
		zap.String("session", cs.ID),
		zap.String("chat_type", string(prefs.ChatType)),
		zap.String("a", partner.UserID),
		zap.String("b", self.UserID),
		zap.Duration("wait", wait))

	return MatchResult{Matched: &Matched{
		SessionID:          cs.ID,
		ChatType:           prefs.ChatType,
		AnonymousID:        self.AnonymousID,
		PartnerAnonymousID: partner.AnonymousID,
		PartnerUserID:      partner.UserID,
	}}, nil
}
