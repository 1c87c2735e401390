package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"plain", "hello", "hello", nil},
		{"trimmed", "  hello there \n", "hello there", nil},
		{"empty", "", "", ErrContentEmpty},
		{"whitespace only", " \t\n ", "", ErrContentEmpty},
		{"exact limit", strings.Repeat("a", MaxTextChars), strings.Repeat("a", MaxTextChars), nil},
		{"over limit", strings.Repeat("a", MaxTextChars+1), "", ErrContentTooLong},
		{"multibyte at limit", strings.Repeat("é", MaxTextChars), strings.Repeat("é", MaxTextChars), nil},
		{"multibyte over limit", strings.Repeat("é", MaxTextChars+1), "", ErrContentTooLong},
		{"invalid utf8", "bad \xff byte", "", ErrContentInvalid},
		{"padding does not count", "   " + strings.Repeat("a", MaxTextChars) + "   ", strings.Repeat("a", MaxTextChars), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateMessage(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateMessage error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateMessageType(t *testing.T) {
	if mt, err := ValidateMessageType(""); err != nil || mt != MessageText {
		t.Errorf("empty type should default to text, got %q, %v", mt, err)
	}
	if mt, err := ValidateMessageType(MessageText); err != nil || mt != MessageText {
		t.Errorf("text type should be accepted, got %q, %v", mt, err)
	}
	if _, err := ValidateMessageType(MessageSystem); !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("system type from a participant should be rejected, got %v", err)
	}
	if _, err := ValidateMessageType("sticker"); !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("expected ErrInvalidMessageType, got %v", err)
	}
}

func TestCode(t *testing.T) {
	if got := Code(ErrSessionNotActive); got != "session_not_active" {
		t.Errorf("Code(ErrSessionNotActive) = %q", got)
	}
	wrapped := errors.Join(errors.New("ctx"), ErrContentTooLong)
	if got := Code(wrapped); got != "content_too_long" {
		t.Errorf("Code(wrapped) = %q", got)
	}
	if got := Code(errors.New("boom")); got != "internal_error" {
		t.Errorf("Code(unknown) = %q", got)
	}
}
