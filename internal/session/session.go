// Package session holds the authoritative state of random-chat sessions.
// Live sessions are kept in memory and guarded per session; ended sessions
// are retained for a configurable window, then optionally archived to Redis
// before being dropped.
package session

import (
	"context"

	"github.com/whisper/randomchat/internal/chat"
)

// Archive receives ended sessions just before they are purged from memory.
type Archive interface {
	Save(ctx context.Context, cs *chat.ChatSession) error
}
