package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/metrics"
)

// Run drives the periodic sweeps until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			e.SweepQueue(ctx)
			e.SweepIdle(ctx)
			if _, err := e.Purge(ctx); err != nil {
				e.log.Warn("purge incomplete", zap.Error(err))
			}
		}
	}
}

// SweepIdle ends every active session that has seen no message for longer
// than the idle timeout. It returns the number of sessions ended.
func (e *Engine) SweepIdle(_ context.Context) int {
	now := e.now()
	cutoff := now.Add(-e.cfg.IdleTimeout)

	ended := 0
	for _, id := range e.sessions.Idle(cutoff) {
		cs, err := e.sessions.Update(id, func(cs *chat.ChatSession) error {
			// Activity may have arrived since Idle looked.
			if !cs.LastActivityAt.Before(cutoff) {
				return errStillActive
			}
			return cs.End(chat.ReasonTimeout, "", now)
		})
		if err != nil {
			continue
		}
		ended++
		metrics.SessionsEnded.WithLabelValues(string(chat.ReasonTimeout)).Inc()
		e.emitEnded(cs, "")
	}

	if ended > 0 {
		e.observe()
		e.log.Info("idle sessions ended", zap.Int("count", ended))
	}
	return ended
}

var errStillActive = errors.New("engine: session saw recent activity")

// SweepQueue drops users who have waited longer than the queue limit and
// sends each a queue-timeout event. It returns the number removed.
func (e *Engine) SweepQueue(_ context.Context) int {
	expired := e.queue.Expire(e.now().Add(-e.cfg.QueueMaxWait))
	for _, entry := range expired {
		metrics.QueueTimeouts.Inc()
		e.notify(entry.UserID, chat.Event{
			Type:        chat.EventQueueTimeout,
			AnonymousID: entry.AnonymousID,
			ChatType:    entry.Preferences.ChatType,
		})
	}
	if len(expired) > 0 {
		e.observe()
		e.log.Info("queue entries expired", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Purge drops ended sessions older than the retention window.
func (e *Engine) Purge(ctx context.Context) (int, error) {
	n, err := e.sessions.Purge(ctx, e.now().Add(-e.cfg.Retention))
	if n > 0 {
		e.log.Info("sessions purged", zap.Int("count", n))
	}
	return n, err
}
