package chat

// EventType names a notification produced by the engine for delivery over
// the pub/sub channel of a single user.
type EventType string

const (
	EventMatchFound      EventType = "match-found"
	EventMessageReceived EventType = "message-received"
	EventPartnerLeft     EventType = "partner-left"
	EventSessionEnded    EventType = "session-ended"
	EventQueueTimeout    EventType = "queue-timeout"
)

// Event is the payload published to a user's notification subject.
type Event struct {
	Type               EventType `json:"type"`
	SessionID          string    `json:"session_id,omitempty"`
	PartnerAnonymousID string    `json:"partner_anonymous_id,omitempty"`
	AnonymousID        string    `json:"anonymous_id,omitempty"`
	ChatType           ChatType  `json:"chat_type,omitempty"`
	Message            *Message  `json:"message,omitempty"`
	Reason             EndReason `json:"reason,omitempty"`
}
