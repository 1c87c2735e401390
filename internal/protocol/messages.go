// Package protocol defines the WebSocket message types exchanged between a
// random-chat client and the server. All messages are JSON objects in a
// consistent envelope with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/randomchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue  = "join_queue"
	TypeLeaveQueue = "leave_queue"
	TypeMessage    = "message"
	TypeEndSession = "end_session"
	TypeReport     = "report"
	TypeGetSession = "get_session"
	TypePing       = "ping"
)

// Server -> Client message types. TypeMessage is shared with the client
// direction.
const (
	TypeConnected       = "connected"
	TypeQueued          = "queued"
	TypeMatchFound      = "match_found"
	TypeMessageSent     = "message_sent"
	TypePartnerLeft     = "partner_left"
	TypeSessionEnded    = "session_ended"
	TypeSession         = "session"
	TypeReportSubmitted = "report_submitted"
	TypeQueueTimeout    = "queue_timeout"
	TypeRateLimited     = "rate_limited"
	TypeBanned          = "banned"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into the right struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg asks to be matched with a stranger.
type JoinQueueMsg struct {
	Type     string        `json:"type"`
	ChatType chat.ChatType `json:"chat_type"`
	Language string        `json:"language,omitempty"`
}

// Preferences returns the matching preferences carried by the message.
func (m JoinQueueMsg) Preferences() chat.Preferences {
	return chat.Preferences{ChatType: m.ChatType, Language: m.Language}
}

// LeaveQueueMsg withdraws from the queue.
type LeaveQueueMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a message sent by the client within a session.
type ChatMsg struct {
	Type        string           `json:"type"`
	SessionID   string           `json:"session_id"`
	Content     string           `json:"content"`
	MessageType chat.MessageType `json:"message_type,omitempty"`
}

// EndSessionMsg ends the current session.
type EndSessionMsg struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Reason    chat.EndReason `json:"reason,omitempty"`
}

// ReportMsg reports the chat partner.
type ReportMsg struct {
	Type               string   `json:"type"`
	SessionID          string   `json:"session_id"`
	Reason             string   `json:"reason"`
	Description        string   `json:"description,omitempty"`
	EvidenceMessageIDs []string `json:"evidence_message_ids,omitempty"`
}

// GetSessionMsg asks for the current session summary.
type GetSessionMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg greets a freshly upgraded connection.
type ConnectedMsg struct {
	Type   string `json:"type"`
	Server string `json:"server"`
}

// QueuedMsg confirms the client is waiting for a partner.
type QueuedMsg struct {
	Type          string  `json:"type"`
	AnonymousID   string  `json:"anonymous_id"`
	Position      int     `json:"position"`
	EstimatedWait float64 `json:"estimated_wait_seconds"`
}

// MatchFoundMsg is sent to both users when a session is created.
type MatchFoundMsg struct {
	Type               string        `json:"type"`
	SessionID          string        `json:"session_id"`
	AnonymousID        string        `json:"anonymous_id"`
	PartnerAnonymousID string        `json:"partner_anonymous_id"`
	ChatType           chat.ChatType `json:"chat_type"`
}

// ServerChatMsg is a message relayed from the partner.
type ServerChatMsg struct {
	Type        string           `json:"type"`
	SessionID   string           `json:"session_id"`
	MessageID   string           `json:"message_id"`
	From        string           `json:"from"` // partner's anonymous id
	Content     string           `json:"content"`
	MessageType chat.MessageType `json:"message_type"`
	Ts          int64            `json:"ts"` // unix milliseconds
}

// MessageSentMsg acknowledges a message accepted from the client.
type MessageSentMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Ts        int64  `json:"ts"`
}

// PartnerLeftMsg is sent when the partner ended the session or disconnected.
type PartnerLeftMsg struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Reason    chat.EndReason `json:"reason"`
}

// SessionEndedMsg is sent to both participants when a session ends.
type SessionEndedMsg struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Reason    chat.EndReason `json:"reason"`
}

// SessionMsg answers get_session. Session is null when the client is
// waiting or has no session.
type SessionMsg struct {
	Type    string        `json:"type"`
	Session *chat.Summary `json:"session"`
}

// ReportSubmittedMsg acknowledges a report.
type ReportSubmittedMsg struct {
	Type      string `json:"type"`
	ReportID  string `json:"report_id"`
	SessionID string `json:"session_id"`
}

// QueueTimeoutMsg is sent when the client waited too long without a match.
type QueueTimeoutMsg struct {
	Type string `json:"type"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// BannedMsg is sent by the server when the client has been banned.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"` // seconds remaining
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveQueue:
		var m LeaveQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetSession:
		var m GetSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewError builds an error message from an engine error, using the stable
// code from chat.Code.
func NewError(err error) ([]byte, error) {
	return NewServerMessage(TypeError, ErrorMsg{Code: chat.Code(err), Message: err.Error()})
}

// Millis converts a timestamp to the unix-millisecond form used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEvent converts an engine notification into the server message the
// client receives.
func FromEvent(ev chat.Event) ([]byte, error) {
	switch ev.Type {
	case chat.EventMatchFound:
		return NewServerMessage(TypeMatchFound, MatchFoundMsg{
			SessionID:          ev.SessionID,
			AnonymousID:        ev.AnonymousID,
			PartnerAnonymousID: ev.PartnerAnonymousID,
			ChatType:           ev.ChatType,
		})
	case chat.EventMessageReceived:
		if ev.Message == nil {
			return nil, fmt.Errorf("protocol: %s event without message", ev.Type)
		}
		return NewServerMessage(TypeMessage, ServerChatMsg{
			SessionID:   ev.SessionID,
			MessageID:   ev.Message.ID,
			From:        ev.Message.AnonymousID,
			Content:     ev.Message.Content,
			MessageType: ev.Message.Type,
			Ts:          Millis(ev.Message.Timestamp),
		})
	case chat.EventPartnerLeft:
		return NewServerMessage(TypePartnerLeft, PartnerLeftMsg{SessionID: ev.SessionID, Reason: ev.Reason})
	case chat.EventSessionEnded:
		return NewServerMessage(TypeSessionEnded, SessionEndedMsg{SessionID: ev.SessionID, Reason: ev.Reason})
	case chat.EventQueueTimeout:
		return NewServerMessage(TypeQueueTimeout, QueueTimeoutMsg{})
	}
	return nil, fmt.Errorf("protocol: unknown event type %q", ev.Type)
}
