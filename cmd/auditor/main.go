// The auditor consumes chat audit events from NATS, keeps daily counters in
// Redis for the moderation dashboard, and persists a remote-moderation
// downgrade when the censor vendor is failing for a sustained stretch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/ConderL/conder-blog-sub001/internal/messaging"
	"github.com/ConderL/conder-blog-sub001/internal/settings"
)

// fallbackDowngradeThreshold is how many fallback-moderated flags in one day
// trigger a persisted remote-moderation disable. The in-memory breaker
// already short-circuits per process; this records the downgrade so it
// survives restarts until an operator re-enables it.
const fallbackDowngradeThreshold = 500

// counterTTL keeps daily counters around for a week of dashboard history.
const counterTTL = 7 * 24 * time.Hour

func main() {
	log.Println("starting chat auditor...")

	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-auditor"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	settingsStore := settings.NewStore(rdb, settings.Settings{RemoteModeration: true})

	err = natsClient.Subscribe(messaging.SubjectFlagged, func(msg *nats.Msg) {
		var event messaging.FlaggedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[auditor] failed to unmarshal flagged event: %v", err)
			return
		}

		log.Printf("[auditor] FLAGGED id=%s nickname=%q ip=%s reasons=%v fallback=%v pending=%v",
			event.MessageID, event.Nickname, event.IPAddress,
			event.Reasons, event.UsedFallback, event.Pending)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		bumpCounter(ctx, rdb, "chat:audit:flagged")
		if !event.UsedFallback {
			return
		}

		// Sustained fallback means the vendor keeps failing; persist the
		// downgrade so a restarted server does not hammer it again.
		count := bumpCounter(ctx, rdb, "chat:audit:fallback")
		if count == fallbackDowngradeThreshold {
			log.Printf("[auditor] fallback count hit %d today, disabling remote moderation", count)
			if err := settingsStore.SetRemoteModeration(ctx, false); err != nil {
				log.Printf("[auditor] failed to persist downgrade: %v", err)
			}
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to flagged events: %v", err)
	}

	err = natsClient.Subscribe(messaging.SubjectRecalled, func(msg *nats.Msg) {
		var event messaging.RecallEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[auditor] failed to unmarshal recall event: %v", err)
			return
		}

		log.Printf("[auditor] RECALLED id=%s ip=%s user=%d", event.MessageID, event.IPAddress, event.UserID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		bumpCounter(ctx, rdb, "chat:audit:recalled")
	})
	if err != nil {
		log.Fatalf("failed to subscribe to recall events: %v", err)
	}

	log.Printf("chat auditor running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down", sig)

	natsClient.Close()
	_ = rdb.Close()
}

// bumpCounter increments today's counter under prefix and returns the new
// value. Counter keys look like "chat:audit:flagged:2026-08-29".
func bumpCounter(ctx context.Context, rdb *redis.Client, prefix string) int64 {
	key := fmt.Sprintf("%s:%s", prefix, time.Now().Format("2006-01-02"))
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[auditor] failed to bump %s: %v", key, err)
		return 0
	}
	if count == 1 {
		if err := rdb.Expire(ctx, key, counterTTL).Err(); err != nil {
			log.Printf("[auditor] failed to set TTL on %s: %v", key, err)
		}
	}
	return count
}
