package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/matching"
	"github.com/whisper/randomchat/internal/metrics"
)

// JoinQueue puts the user in the queue for their preferences, pairing them
// at once if a partner is waiting. Both users get a match-found event when
// a session is created.
func (e *Engine) JoinQueue(ctx context.Context, userID string, prefs chat.Preferences) (matching.MatchResult, error) {
	if err := e.checkBan(ctx, userID); err != nil {
		return matching.MatchResult{}, err
	}

	res, err := e.matcher.TryMatch(userID, prefs)
	if err != nil {
		return matching.MatchResult{}, err
	}
	e.observe()

	if res.Queued != nil {
		// A fresh wait hides whatever ended session the user had before.
		e.sessions.Forget(userID)
		return res, nil
	}

	m := res.Matched
	e.notify(userID, chat.Event{
		Type:               chat.EventMatchFound,
		SessionID:          m.SessionID,
		AnonymousID:        m.AnonymousID,
		PartnerAnonymousID: m.PartnerAnonymousID,
		ChatType:           m.ChatType,
	})
	e.notify(m.PartnerUserID, chat.Event{
		Type:               chat.EventMatchFound,
		SessionID:          m.SessionID,
		AnonymousID:        m.PartnerAnonymousID,
		PartnerAnonymousID: m.AnonymousID,
		ChatType:           m.ChatType,
	})
	return res, nil
}

// checkBan fails open: a ban store outage never blocks matching.
func (e *Engine) checkBan(ctx context.Context, userID string) error {
	if e.bans == nil {
		return nil
	}
	st, err := e.bans.Check(ctx, userID)
	if err != nil {
		e.log.Warn("ban check failed, allowing", zap.String("user", userID), zap.Error(err))
		return nil
	}
	if st.Banned {
		return &BanError{Status: st}
	}
	return nil
}

// LeaveQueue removes the user from the queue.
func (e *Engine) LeaveQueue(_ context.Context, userID string) error {
	if _, err := e.queue.Dequeue(userID); err != nil {
		return err
	}
	e.observe()
	return nil
}

// QueuePosition returns the user's 1-based position among compatible
// waiters.
func (e *Engine) QueuePosition(userID string) (int, error) {
	return e.queue.Position(userID)
}

// GetActiveSession returns the user's current session as they see it. It
// reports nothing while the user is waiting in the queue; otherwise it
// returns the most recent session, including an ended one with its reason
// until the user queues again or it is purged.
func (e *Engine) GetActiveSession(userID string) (chat.Summary, bool) {
	if e.queue.IsQueued(userID) {
		return chat.Summary{}, false
	}
	cs, ok := e.sessions.Latest(userID)
	if !ok {
		return chat.Summary{}, false
	}
	return cs.Summary(userID), true
}

// EndSession ends the session on behalf of a participant. Only user_left
// (the default) and partner_left may be requested; the other reasons are
// set by the engine itself. When two ends race, the loser gets
// chat.ErrSessionNotActive.
func (e *Engine) EndSession(_ context.Context, sessionID, userID string, reason chat.EndReason) (chat.Summary, error) {
	switch reason {
	case "":
		reason = chat.ReasonUserLeft
	case chat.ReasonUserLeft, chat.ReasonPartnerLeft:
	default:
		return chat.Summary{}, chat.ErrInvalidReason
	}

	cs, err := e.end(sessionID, userID, reason, true)
	if err != nil {
		return chat.Summary{}, err
	}
	return cs.Summary(userID), nil
}

// PartnerDisconnect ends the session because userID's transport went away.
// The remaining participant is told their partner left.
func (e *Engine) PartnerDisconnect(_ context.Context, sessionID, userID string) error {
	_, err := e.end(sessionID, userID, chat.ReasonPartnerLeft, true)
	return err
}

// Disconnect is the transport hook for a user who went offline: it drops
// them from the queue and ends their active session, if any.
func (e *Engine) Disconnect(ctx context.Context, userID string) {
	if _, err := e.queue.Dequeue(userID); err == nil {
		e.observe()
		e.log.Debug("dequeued on disconnect", zap.String("user", userID))
	}

	sessionID, ok := e.sessions.ActiveSessionID(userID)
	if !ok {
		return
	}
	err := e.PartnerDisconnect(ctx, sessionID, userID)
	if err != nil && !errors.Is(err, chat.ErrSessionNotActive) && !errors.Is(err, chat.ErrSessionNotFound) {
		e.log.Warn("end on disconnect failed",
			zap.String("user", userID),
			zap.String("session", sessionID),
			zap.Error(err))
	}
}

// end moves the session to ended and emits the resulting events. by is the
// user responsible, empty for engine-initiated ends.
func (e *Engine) end(sessionID, by string, reason chat.EndReason, requireParticipant bool) (*chat.ChatSession, error) {
	at := e.now()
	cs, err := e.sessions.Update(sessionID, func(cs *chat.ChatSession) error {
		if requireParticipant && !cs.IsParticipant(by) {
			return chat.ErrSenderNotParticipant
		}
		return cs.End(reason, by, at)
	})
	if err != nil {
		return nil, err
	}

	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	e.observe()
	e.log.Info("session ended",
		zap.String("session", sessionID),
		zap.String("reason", string(reason)),
		zap.String("by", by))

	e.emitEnded(cs, by)
	return cs, nil
}

// emitEnded tells the partner of by that they were left, then tells both
// participants the session is over.
func (e *Engine) emitEnded(cs *chat.ChatSession, by string) {
	if partner, ok := cs.Partner(by); ok {
		e.notify(partner.UserID, chat.Event{
			Type:      chat.EventPartnerLeft,
			SessionID: cs.ID,
			Reason:    cs.EndReason,
		})
	}
	for _, p := range cs.Participants {
		e.notify(p.UserID, chat.Event{
			Type:      chat.EventSessionEnded,
			SessionID: cs.ID,
			Reason:    cs.EndReason,
		})
	}
}
