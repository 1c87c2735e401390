package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/randomchat/internal/chat"
)

const (
	// ArchivePrefix is the Redis key prefix for archived session hashes.
	ArchivePrefix = "chat:"

	// ArchiveTTL is how long an archived session is kept for report review.
	ArchiveTTL = 24 * time.Hour
)

// Archived is the Redis hash form of an ended session.
type Archived struct {
	ID           string `redis:"id"`
	ChatType     string `redis:"chat_type"`
	Language     string `redis:"language"`
	UserA        string `redis:"user_a"`
	UserB        string `redis:"user_b"`
	AnonA        string `redis:"anon_a"`
	AnonB        string `redis:"anon_b"`
	StartedAt    int64  `redis:"started_at"` // unix timestamp
	EndedAt      int64  `redis:"ended_at"`   // unix timestamp
	EndReason    string `redis:"end_reason"`
	EndedBy      string `redis:"ended_by"`
	MessageCount int    `redis:"message_count"`
	Transcript   string `redis:"transcript"` // JSON array of messages
}

// archivedMessage keeps the sender id that chat.Message hides from clients.
type archivedMessage struct {
	chat.Message
	SenderID string `json:"sender_id"`
}

// Messages decodes the archived transcript.
func (a *Archived) Messages() ([]chat.Message, error) {
	if a.Transcript == "" {
		return []chat.Message{}, nil
	}
	var raw []archivedMessage
	if err := json.Unmarshal([]byte(a.Transcript), &raw); err != nil {
		return nil, fmt.Errorf("session: decode transcript: %w", err)
	}
	out := make([]chat.Message, len(raw))
	for i, m := range raw {
		out[i] = m.Message
		out[i].SenderID = m.SenderID
	}
	return out, nil
}

// RedisArchive stores ended sessions as Redis hashes with a TTL.
type RedisArchive struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisArchive creates an archive on the given client. A non-positive ttl
// selects ArchiveTTL.
func NewRedisArchive(client *redis.Client, ttl time.Duration) *RedisArchive {
	if ttl <= 0 {
		ttl = ArchiveTTL
	}
	return &RedisArchive{client: client, ttl: ttl}
}

// Save writes the session hash and refreshes its TTL in one pipeline.
func (a *RedisArchive) Save(ctx context.Context, cs *chat.ChatSession) error {
	msgs := cs.Messages()
	raw := make([]archivedMessage, len(msgs))
	for i, m := range msgs {
		raw[i] = archivedMessage{Message: m, SenderID: m.SenderID}
	}
	transcript, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("session: encode transcript: %w", err)
	}

	key := ArchivePrefix + cs.ID
	fields := map[string]interface{}{
		"id":            cs.ID,
		"chat_type":     string(cs.ChatType),
		"language":      cs.Language,
		"user_a":        cs.Participants[0].UserID,
		"user_b":        cs.Participants[1].UserID,
		"anon_a":        cs.Participants[0].AnonymousID,
		"anon_b":        cs.Participants[1].AnonymousID,
		"started_at":    cs.StartTime.Unix(),
		"ended_at":      cs.EndTime.Unix(),
		"end_reason":    string(cs.EndReason),
		"ended_by":      cs.EndedBy,
		"message_count": cs.MessageCount,
		"transcript":    string(transcript),
	}

	pipe := a.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, a.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: archive save: %w", err)
	}
	return nil
}

// Load returns an archived session. Returns nil if not found.
func (a *RedisArchive) Load(ctx context.Context, id string) (*Archived, error) {
	var out Archived
	if err := a.client.HGetAll(ctx, ArchivePrefix+id).Scan(&out); err != nil {
		return nil, fmt.Errorf("session: archive load: %w", err)
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}
