package chat

import "time"

// RecentMessageLimit is the number of messages returned to clients when
// they fetch a session's history.
const RecentMessageLimit = 50

// MessageType distinguishes user text from system notices.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

// Message is a single session-scoped chat message. SenderID is the real
// user id and is never serialised to clients; the partner only sees the
// anonymous id.
type Message struct {
	ID          string      `json:"message_id"`
	SessionID   string      `json:"session_id"`
	SenderID    string      `json:"-"`
	AnonymousID string      `json:"anonymous_id"`
	Content     string      `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
	Type        MessageType `json:"type"`
}

// Transcript is the append-only message log of one session. It is not
// goroutine-safe; the owning session's lock guards it.
type Transcript struct {
	items []Message
	index map[string]int // message id -> position in items
}

// Append adds msg at the end of the transcript.
func (t *Transcript) Append(msg Message) {
	if t.index == nil {
		t.index = make(map[string]int)
	}
	t.index[msg.ID] = len(t.items)
	t.items = append(t.items, msg)
}

// Len returns the number of stored messages.
func (t *Transcript) Len() int {
	return len(t.items)
}

// All returns every message in insertion order.
func (t *Transcript) All() []Message {
	return t.Last(len(t.items))
}

// Last returns up to n of the newest messages in chronological order
// (oldest first). It always returns a non-nil slice.
func (t *Transcript) Last(n int) []Message {
	if n <= 0 || len(t.items) == 0 {
		return []Message{}
	}
	start := len(t.items) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(t.items)-start)
	copy(out, t.items[start:])
	return out
}

// Find returns the message with the given id.
func (t *Transcript) Find(id string) (Message, bool) {
	i, ok := t.index[id]
	if !ok {
		return Message{}, false
	}
	return t.items[i], true
}

// Clone returns an independent copy of the transcript.
func (t Transcript) Clone() Transcript {
	c := Transcript{
		items: make([]Message, len(t.items)),
		index: make(map[string]int, len(t.index)),
	}
	copy(c.items, t.items)
	for k, v := range t.index {
		c.index[k] = v
	}
	return c
}
