package typing

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ThrottleRule bounds how many "still typing" notices one conversation may
// send per window, across every tab of the profile.
type ThrottleRule struct {
	Limit  int           // max notices in the window
	Window time.Duration // window length
}

// DefaultThrottleRule allows one notice every two seconds per conversation.
var DefaultThrottleRule = ThrottleRule{Limit: 1, Window: 2 * time.Second}

// Throttle is a Redis INCR + EXPIRE fixed-window counter shared by all tabs
// of a profile. A nil client disables throttling.
type Throttle struct {
	client *redis.Client
	prefix string
	rule   ThrottleRule
}

// NewThrottle creates a Throttle whose keys live under
// realtime:<profile>:typing:.
func NewThrottle(client *redis.Client, profile string, rule ThrottleRule) *Throttle {
	if rule.Limit <= 0 || rule.Window <= 0 {
		rule = DefaultThrottleRule
	}
	return &Throttle{
		client: client,
		prefix: "realtime:" + profile + ":typing:",
		rule:   rule,
	}
}

// Allow reports whether a notice for conversationID may be sent now. Redis
// errors fail open.
func (t *Throttle) Allow(ctx context.Context, conversationID string) bool {
	if t == nil || t.client == nil {
		return true
	}
	key := t.prefix + conversationID

	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[typing] throttle INCR error key=%s: %v (failing open)", key, err)
		return true
	}

	if count == 1 {
		if err := t.client.PExpire(ctx, key, t.rule.Window).Err(); err != nil {
			log.Printf("[typing] throttle EXPIRE error key=%s: %v (failing open)", key, err)
			// A counter without TTL would block the conversation forever.
			t.client.Del(ctx, key)
			return true
		}
	}

	return int(count) <= t.rule.Limit
}

// Reset clears the window so the next notice for conversationID goes through.
func (t *Throttle) Reset(ctx context.Context, conversationID string) {
	if t == nil || t.client == nil {
		return
	}
	if err := t.client.Del(ctx, t.prefix+conversationID).Err(); err != nil {
		log.Printf("[typing] throttle reset conversation=%s: %v", conversationID, err)
	}
}
