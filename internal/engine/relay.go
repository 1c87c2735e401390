package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/metrics"
)

// SendMessage appends a message to the session and relays it to the
// partner. Checks run in a fixed order: the session must exist, the sender
// must be a participant, the session must be active, then the content must
// be valid.
func (e *Engine) SendMessage(_ context.Context, sessionID, senderID, content string, msgType chat.MessageType) (chat.Message, error) {
	start := time.Now()

	var (
		msg       chat.Message
		partnerID string
	)
	_, err := e.sessions.Update(sessionID, func(cs *chat.ChatSession) error {
		self, ok := cs.Participant(senderID)
		if !ok {
			return chat.ErrSenderNotParticipant
		}
		if !cs.IsActive() {
			return chat.ErrSessionNotActive
		}
		mt, err := chat.ValidateMessageType(msgType)
		if err != nil {
			return err
		}
		text, err := chat.ValidateMessage(content)
		if err != nil {
			return err
		}

		partner, _ := cs.Partner(senderID)
		partnerID = partner.UserID
		msg = chat.Message{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			SenderID:    senderID,
			AnonymousID: self.AnonymousID,
			Content:     text,
			Timestamp:   e.now(),
			Type:        mt,
		}
		return cs.AppendMessage(msg)
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, err
	}
	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	relayed := msg
	e.notify(partnerID, chat.Event{
		Type:               chat.EventMessageReceived,
		SessionID:          sessionID,
		PartnerAnonymousID: msg.AnonymousID,
		Message:            &relayed,
	})
	return msg, nil
}

// Messages returns up to limit of the newest messages of a session, oldest
// first. Only participants may read a transcript. A limit outside
// (0, chat.RecentMessageLimit] selects chat.RecentMessageLimit.
func (e *Engine) Messages(sessionID, userID string, limit int) ([]chat.Message, error) {
	if limit <= 0 || limit > chat.RecentMessageLimit {
		limit = chat.RecentMessageLimit
	}
	cs, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !cs.IsParticipant(userID) {
		return nil, chat.ErrSenderNotParticipant
	}
	return cs.RecentMessages(limit), nil
}
