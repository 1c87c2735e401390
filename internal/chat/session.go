package chat

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a chat session.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// ChatType selects the medium of a random chat.
type ChatType string

const (
	ChatTypeText  ChatType = "text"
	ChatTypeVideo ChatType = "video"
)

// ChatTypes lists every supported chat type, in bucket order.
var ChatTypes = []ChatType{ChatTypeText, ChatTypeVideo}

// EndReason records why a session left the active state.
type EndReason string

const (
	ReasonUserLeft    EndReason = "user_left"
	ReasonPartnerLeft EndReason = "partner_left"
	ReasonReported    EndReason = "reported"
	ReasonTimeout     EndReason = "timeout"
)

// Preferences are the matching criteria supplied when joining the queue.
type Preferences struct {
	ChatType ChatType `json:"chat_type"`
	Language string   `json:"language,omitempty"`
}

// Normalize validates the chat type and canonicalises the language tag.
func (p Preferences) Normalize() (Preferences, error) {
	switch p.ChatType {
	case ChatTypeText, ChatTypeVideo:
	case "":
		p.ChatType = ChatTypeText
	default:
		return p, fmt.Errorf("%w: unknown chat type %q", ErrInvalidPreferences, p.ChatType)
	}
	p.Language = strings.ToLower(strings.TrimSpace(p.Language))
	if len(p.Language) > 16 {
		return p, fmt.Errorf("%w: language tag too long", ErrInvalidPreferences)
	}
	return p, nil
}

// LanguageCompatible reports whether two language preferences may be
// paired without falling back: equal tags, or either side unspecified.
func LanguageCompatible(a, b string) bool {
	return a == "" || b == "" || a == b
}

// Participant is one side of a chat session.
type Participant struct {
	UserID      string    `json:"-"`
	AnonymousID string    `json:"anonymous_id"`
	IsActive    bool      `json:"is_active"`
	JoinedAt    time.Time `json:"joined_at"`
}

// ChatSession is the state of a paired, ephemeral chat between two users.
// It is a plain value: callers serialise access to it (see session.Store).
type ChatSession struct {
	ID             string
	Participants   [2]Participant
	Status         Status
	ChatType       ChatType
	Language       string
	StartTime      time.Time
	EndTime        time.Time // zero until ended
	EndReason      EndReason // empty until ended
	EndedBy        string    // user id that triggered the end, if any
	LastActivityAt time.Time
	MessageCount   int

	transcript Transcript
}

// NewSession creates an active session between a and b.
func NewSession(id string, chatType ChatType, language string, a, b Participant, now time.Time) *ChatSession {
	a.IsActive = true
	b.IsActive = true
	return &ChatSession{
		ID:             id,
		Participants:   [2]Participant{a, b},
		Status:         StatusActive,
		ChatType:       chatType,
		Language:       language,
		StartTime:      now,
		LastActivityAt: now,
	}
}

// Participant returns the participant record for userID.
func (cs *ChatSession) Participant(userID string) (Participant, bool) {
	for _, p := range cs.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Partner returns the other participant of the session.
func (cs *ChatSession) Partner(userID string) (Participant, bool) {
	switch userID {
	case cs.Participants[0].UserID:
		return cs.Participants[1], true
	case cs.Participants[1].UserID:
		return cs.Participants[0], true
	}
	return Participant{}, false
}

// IsParticipant checks if a user is part of this chat.
func (cs *ChatSession) IsParticipant(userID string) bool {
	_, ok := cs.Participant(userID)
	return ok
}

// IsActive reports whether the session still accepts mutations.
func (cs *ChatSession) IsActive() bool {
	return cs.Status == StatusActive
}

// AppendMessage adds msg to the transcript. The message's sender must be a
// participant and the session must be active.
func (cs *ChatSession) AppendMessage(msg Message) error {
	if !cs.IsParticipant(msg.SenderID) {
		return ErrSenderNotParticipant
	}
	if !cs.IsActive() {
		return ErrSessionNotActive
	}
	cs.transcript.Append(msg)
	cs.MessageCount++
	if msg.Timestamp.After(cs.LastActivityAt) {
		cs.LastActivityAt = msg.Timestamp
	}
	return nil
}

// End moves the session to ended. Only the first call on an active session
// succeeds; later calls get ErrSessionNotActive and change nothing.
func (cs *ChatSession) End(reason EndReason, by string, at time.Time) error {
	if !cs.IsActive() {
		return ErrSessionNotActive
	}
	cs.Status = StatusEnded
	cs.EndReason = reason
	cs.EndedBy = by
	cs.EndTime = at
	for i := range cs.Participants {
		cs.Participants[i].IsActive = false
	}
	return nil
}

// Messages returns the whole transcript in insertion order.
func (cs *ChatSession) Messages() []Message {
	return cs.transcript.All()
}

// RecentMessages returns up to n of the latest messages, oldest first.
func (cs *ChatSession) RecentMessages(n int) []Message {
	return cs.transcript.Last(n)
}

// Message looks up a transcript entry by id.
func (cs *ChatSession) Message(id string) (Message, bool) {
	return cs.transcript.Find(id)
}

// Clone returns a deep copy that is safe to read without the owner's lock.
func (cs *ChatSession) Clone() *ChatSession {
	c := *cs
	c.transcript = cs.transcript.Clone()
	return &c
}

// Summary is the participant-facing view of a session. It never exposes
// real user ids.
type Summary struct {
	SessionID          string    `json:"session_id"`
	Status             Status    `json:"status"`
	ChatType           ChatType  `json:"chat_type"`
	AnonymousID        string    `json:"anonymous_id"`
	PartnerAnonymousID string    `json:"partner_anonymous_id"`
	PartnerActive      bool      `json:"partner_active"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time,omitempty"`
	EndReason          EndReason `json:"end_reason,omitempty"`
	MessageCount       int       `json:"message_count"`
	LastActivityAt     time.Time `json:"last_activity_at"`
}

// Summary builds the view of the session as seen by userID.
func (cs *ChatSession) Summary(userID string) Summary {
	self, _ := cs.Participant(userID)
	partner, _ := cs.Partner(userID)
	return Summary{
		SessionID:          cs.ID,
		Status:             cs.Status,
		ChatType:           cs.ChatType,
		AnonymousID:        self.AnonymousID,
		PartnerAnonymousID: partner.AnonymousID,
		PartnerActive:      partner.IsActive,
		StartTime:          cs.StartTime,
		EndTime:            cs.EndTime,
		EndReason:          cs.EndReason,
		MessageCount:       cs.MessageCount,
		LastActivityAt:     cs.LastActivityAt,
	}
}
