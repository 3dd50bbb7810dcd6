// Package settings exposes the runtime-togglable moderation switches for the
// chat subsystem. Operators flip them while the process runs, so they are
// read fresh on every call rather than cached. The backing store is a Redis
// hash; when Redis is absent or unreachable the configured defaults apply.
package settings

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

// Key is the Redis hash holding the chat moderation settings.
const Key = "chat:settings"

// Hash field names.
const (
	FieldRemoteModeration = "remote_moderation"
	FieldManualReview     = "manual_review"
)

// Settings is one point-in-time snapshot of the moderation switches.
type Settings struct {
	// RemoteModeration enables the remote censorship service. When false
	// the pipeline uses the local word filter only.
	RemoteModeration bool
	// ManualReview marks chat content as requiring human review before
	// publication.
	ManualReview bool
}

// Store reads and writes the settings hash.
type Store struct {
	rdb      *redis.Client
	defaults Settings
}

// NewStore creates a settings store. rdb may be nil, in which case Current
// always returns the defaults.
func NewStore(rdb *redis.Client, defaults Settings) *Store {
	return &Store{rdb: rdb, defaults: defaults}
}

// Current returns the live settings. Fields missing from the hash keep
// their default value; Redis errors fall back to the defaults entirely so
// a Redis outage never disables moderation.
func (s *Store) Current(ctx context.Context) Settings {
	out := s.defaults
	if s.rdb == nil {
		return out
	}

	fields, err := s.rdb.HGetAll(ctx, Key).Result()
	if err != nil {
		log.Printf("settings: redis read failed, using defaults: %v", err)
		return out
	}

	if v, ok := fields[FieldRemoteModeration]; ok {
		out.RemoteModeration = isTrue(v)
	}
	if v, ok := fields[FieldManualReview]; ok {
		out.ManualReview = isTrue(v)
	}
	return out
}

// SetRemoteModeration persists the remote-moderation switch. Unlike the
// in-memory circuit breaker, this survives process restarts.
func (s *Store) SetRemoteModeration(ctx context.Context, enabled bool) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.HSet(ctx, Key, FieldRemoteModeration, boolField(enabled)).Err()
}

// SetManualReview persists the manual-review switch.
func (s *Store) SetManualReview(ctx context.Context, required bool) error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.HSet(ctx, Key, FieldManualReview, boolField(required)).Err()
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

func boolField(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
