// Package cache keeps derived, denormalized quantities — reaction tallies
// and unread counts — in Redis so reads never traverse detail rows.
// Cached values are never authoritative: on a miss or suspected
// divergence they are recomputed from the persistence store, which can
// rebuild any summary from its detail rows at any time.
//
//	Key: rsum:<message_id>     (hash: emoji -> count)
//	Key: unread:<conversation_id>:<user_id>
package cache

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	reactionPrefix = "rsum:"
	unreadPrefix   = "unread:"

	// summaryTTL bounds staleness: an entry that somehow diverges from
	// the store self-heals within this window.
	summaryTTL = 10 * time.Minute
	unreadTTL  = 24 * time.Hour
)

// Source recomputes authoritative values from detail rows on a cache
// miss. Implemented by the persistence store.
type Source interface {
	ReactionSummary(ctx context.Context, messageID string) (map[string]int, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

// Cache is the Redis-backed aggregation cache.
type Cache struct {
	client *redis.Client
	source Source
}

// New creates a Cache backed by the given Redis client and recompute
// source.
func New(client *redis.Client, source Source) *Cache {
	return &Cache{client: client, source: source}
}

// ---------------------------------------------------------------------------
// Reaction summaries
// ---------------------------------------------------------------------------

// ReactionSummary returns the per-emoji tallies for a message, reading
// through to the store on a miss.
func (c *Cache) ReactionSummary(ctx context.Context, messageID string) (map[string]int, error) {
	key := reactionPrefix + messageID

	fields, err := c.client.HGetAll(ctx, key).Result()
	if err == nil && len(fields) > 0 {
		summary := make(map[string]int, len(fields))
		for emoji, v := range fields {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				// Corrupted entry; fall through to recompute.
				return c.RecomputeReactionSummary(ctx, messageID)
			}
			summary[emoji] = n
		}
		return summary, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("cache: reaction summary read %s: %v (recomputing)", messageID, err)
	}

	return c.RecomputeReactionSummary(ctx, messageID)
}

// SetReactionSummary overwrites the cached tallies for a message. Called
// by the delivery coordinator after a committed reaction mutation.
func (c *Cache) SetReactionSummary(ctx context.Context, messageID string, summary map[string]int) error {
	key := reactionPrefix + messageID

	pipe := c.client.Pipeline()
	pipe.Del(ctx, key)
	if len(summary) > 0 {
		fields := make(map[string]interface{}, len(summary))
		for emoji, count := range summary {
			fields[emoji] = count
		}
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, summaryTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RecomputeReactionSummary reloads the tallies from the store and
// refreshes the cache entry.
func (c *Cache) RecomputeReactionSummary(ctx context.Context, messageID string) (map[string]int, error) {
	summary, err := c.source.ReactionSummary(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := c.SetReactionSummary(ctx, messageID, summary); err != nil {
		// Cache write failures are not fatal; the store answered.
		log.Printf("cache: reaction summary write %s: %v", messageID, err)
	}
	return summary, nil
}

// InvalidateReactionSummary drops the cached entry so the next read
// recomputes.
func (c *Cache) InvalidateReactionSummary(ctx context.Context, messageID string) error {
	return c.client.Del(ctx, reactionPrefix+messageID).Err()
}

// ---------------------------------------------------------------------------
// Unread counts
// ---------------------------------------------------------------------------

func unreadKey(conversationID, userID string) string {
	return unreadPrefix + conversationID + ":" + userID
}

// UnreadCount returns the member's unread counter, recomputing from the
// store on a miss.
func (c *Cache) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	val, err := c.client.Get(ctx, unreadKey(conversationID, userID)).Int()
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Printf("cache: unread read %s/%s: %v (recomputing)", conversationID, userID, err)
	}

	count, err := c.source.UnreadCount(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if err := c.client.Set(ctx, unreadKey(conversationID, userID), count, unreadTTL).Err(); err != nil {
		log.Printf("cache: unread write %s/%s: %v", conversationID, userID, err)
	}
	return count, nil
}

// BumpUnread increments the unread counter for every recipient of a new
// message. Counters that are not currently cached are skipped — they will
// be recomputed correctly on the next read.
func (c *Cache) BumpUnread(ctx context.Context, conversationID, senderID string, memberIDs []string) {
	pipe := c.client.Pipeline()
	for _, uid := range memberIDs {
		if uid == senderID {
			continue
		}
		key := unreadKey(conversationID, uid)
		// Only bump existing counters; creating one from zero here would
		// undercount history the member hasn't read yet.
		pipe.Eval(ctx, bumpIfPresentLua, []string{key})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("cache: unread bump conv=%s: %v", conversationID, err)
	}
}

// ResetUnread zeroes the member's counter after a mark-read.
func (c *Cache) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return c.client.Set(ctx, unreadKey(conversationID, userID), 0, unreadTTL).Err()
}

// bumpIfPresentLua increments a counter only if it already exists,
// preserving its TTL.
const bumpIfPresentLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return redis.call('INCR', KEYS[1])
end
return 0
`

// ---------------------------------------------------------------------------
// Membership short-cache (room join checks)
// ---------------------------------------------------------------------------

const (
	memberPrefix = "member:"
	memberTTL    = 30 * time.Second
)

// MemberChecker answers authoritative membership questions; implemented
// by the persistence store.
type MemberChecker interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// Membership is a short-lived cache in front of membership checks so a
// burst of room joins does not hammer the store. The short TTL bounds how
// long a removed member can still join a room.
type Membership struct {
	client  *redis.Client
	checker MemberChecker
}

// NewMembership creates the membership short-cache.
func NewMembership(client *redis.Client, checker MemberChecker) *Membership {
	return &Membership{client: client, checker: checker}
}

// IsMember answers from cache when possible, falling back to the store.
// Store errors propagate; Redis errors degrade to a direct store check.
func (m *Membership) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	key := memberPrefix + conversationID + ":" + userID

	val, err := m.client.Get(ctx, key).Result()
	if err == nil {
		return val == "1", nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Printf("cache: membership read %s: %v (checking store)", key, err)
	}

	ok, err := m.checker.IsMember(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}

	cached := "0"
	if ok {
		cached = "1"
	}
	if err := m.client.Set(ctx, key, cached, memberTTL).Err(); err != nil {
		log.Printf("cache: membership write %s: %v", key, err)
	}
	return ok, nil
}

// Invalidate drops a cached membership answer after a membership change.
func (m *Membership) Invalidate(ctx context.Context, conversationID, userID string) error {
	return m.client.Del(ctx, memberPrefix+conversationID+":"+userID).Err()
}
