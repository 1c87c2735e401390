package chat

import "errors"

// Errors returned by the matchmaking and session engine. Callers compare
// with errors.Is; Code maps each one to a stable wire code.
var (
	ErrAlreadyQueued          = errors.New("user is already queued")
	ErrAlreadyInSession       = errors.New("user is already in an active session")
	ErrNotQueued              = errors.New("user is not queued")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionNotActive       = errors.New("session is not active")
	ErrSenderNotParticipant   = errors.New("sender is not a participant of the session")
	ErrReporterNotParticipant = errors.New("reporter is not a participant of the session")
	ErrContentEmpty           = errors.New("message content is empty")
	ErrContentTooLong         = errors.New("message content is too long")
	ErrContentInvalid         = errors.New("message content contains invalid UTF-8")
	ErrInvalidReason          = errors.New("invalid reason")
	ErrInvalidMessageType     = errors.New("invalid message type")
	ErrInvalidPreferences     = errors.New("invalid chat preferences")
	ErrBanned                 = errors.New("user is banned")
	ErrRateLimited            = errors.New("rate limited")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAlreadyQueued, "already_queued"},
	{ErrAlreadyInSession, "already_in_session"},
	{ErrNotQueued, "not_queued"},
	{ErrSessionNotFound, "session_not_found"},
	{ErrSessionNotActive, "session_not_active"},
	{ErrSenderNotParticipant, "sender_not_participant"},
	{ErrReporterNotParticipant, "reporter_not_participant"},
	{ErrContentEmpty, "content_empty"},
	{ErrContentTooLong, "content_too_long"},
	{ErrContentInvalid, "content_invalid"},
	{ErrInvalidReason, "invalid_reason"},
	{ErrInvalidMessageType, "invalid_message_type"},
	{ErrInvalidPreferences, "invalid_preferences"},
	{ErrBanned, "banned"},
	{ErrRateLimited, "rate_limited"},
}

// Code returns the wire code for err, or "internal_error" for errors that
// are not part of the engine's contract.
func Code(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal_error"
}
