// Package report provides storage for abuse reports filed from inside a
// chat session. Each report captures who reported whom, the session, and a
// snapshot of the messages the reporter pointed at (for moderator review).
// Reports are recorded, never evaluated here.
package report

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/whisper/randomchat/internal/chat"
)

// MaxDescriptionChars bounds the free-text description of a report.
const MaxDescriptionChars = 1000

// Reason is the category chosen by the reporter.
type Reason string

const (
	ReasonHarassment Reason = "harassment"
	ReasonSpam       Reason = "spam"
	ReasonExplicit   Reason = "explicit"
	ReasonOther      Reason = "other"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the abuse_reports table.
var validReasons = map[Reason]bool{
	ReasonHarassment: true,
	ReasonSpam:       true,
	ReasonExplicit:   true,
	ReasonOther:      true,
}

// Valid reports whether r is one of the accepted reasons.
func (r Reason) Valid() bool {
	return validReasons[r]
}

// EvidenceMessage is one message copied into a report.
type EvidenceMessage struct {
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	AnonymousID string    `json:"anonymous_id"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// EvidenceFrom snapshots a transcript message.
func EvidenceFrom(m chat.Message) EvidenceMessage {
	return EvidenceMessage{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		AnonymousID: m.AnonymousID,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
	}
}

// Report is a single abuse report.
type Report struct {
	ID                  string            `json:"report_id"`
	SessionID           string            `json:"session_id"`
	ReporterID          string            `json:"-"`
	ReportedUserID      string            `json:"-"`
	ReportedAnonymousID string            `json:"reported_anonymous_id"`
	Reason              Reason            `json:"reason"`
	Description         string            `json:"description,omitempty"`
	EvidenceMessageIDs  []string          `json:"evidence_message_ids"`
	Evidence            []EvidenceMessage `json:"-"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Validate checks the reason and description length.
func (r *Report) Validate() error {
	if !r.Reason.Valid() {
		return fmt.Errorf("%w: %q", chat.ErrInvalidReason, r.Reason)
	}
	if utf8.RuneCountInString(r.Description) > MaxDescriptionChars {
		return fmt.Errorf("%w: description exceeds %d characters", chat.ErrContentTooLong, MaxDescriptionChars)
	}
	return nil
}

// Store persists reports.
type Store interface {
	Create(ctx context.Context, r *Report) error
	ListBySession(ctx context.Context, sessionID string) ([]Report, error)
	CountRecent(ctx context.Context, reportedUserID string, window time.Duration) (int, error)
}
