package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxTextChars    = 2000             // max character count
	MaxMessageBytes = 4 * MaxTextChars // upper bound for 2000 four-byte runes
)

// ValidateMessage trims the content and checks it against the length limits.
// It returns the trimmed content that should be stored.
func ValidateMessage(content string) (string, error) {
	if !utf8.ValidString(content) {
		return "", ErrContentInvalid
	}
	text := strings.TrimSpace(content)
	if len(text) == 0 {
		return "", ErrContentEmpty
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("%w: exceeds %d byte limit", ErrContentTooLong, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("%w: exceeds %d character limit", ErrContentTooLong, MaxTextChars)
	}
	return text, nil
}

// ValidateMessageType accepts the message kinds a participant may send. An
// empty type defaults to text. System messages are reserved for notices the
// server writes itself, so a participant sending one is rejected.
func ValidateMessageType(t MessageType) (MessageType, error) {
	switch t {
	case "":
		return MessageText, nil
	case MessageText:
		return t, nil
	case MessageSystem:
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidMessageType, t)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageType, t)
	}
}
