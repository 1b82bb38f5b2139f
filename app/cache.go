package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/redis/go-redis/v9"

	"github.com/conveyhq/convey/db"
)

// CachedSubscription is the subset of subscription state the hot path needs.
type CachedSubscription struct {
	TargetURL       string  `json:"target_url"`
	Secret          *string `json:"secret"`
	EventTypeFilter *string `json:"event_type_filter"`
}

// SubscriptionCache shields ingestion and delivery from the database with a
// TTL'd Redis lookup. It is never a correctness authority: any failure or
// unparseable entry degrades to a miss and the caller falls back to the DB.
type SubscriptionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSubscriptionCache(rdb *redis.Client, ttl time.Duration) *SubscriptionCache {
	return &SubscriptionCache{rdb: rdb, ttl: ttl}
}

func cacheKey(id pgtype.UUID) string {
	return "subscription:" + UuidToString(id)
}

// Get returns the cached entry, or found=false on a miss. A corrupted entry
// is deleted and reported as a miss.
func (c *SubscriptionCache) Get(ctx context.Context, id pgtype.UUID) (CachedSubscription, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Subscription cache read failed, falling back to DB", "error", err, "subscription_id", UuidToString(id))
		}
		return CachedSubscription{}, false
	}

	var entry CachedSubscription
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		slog.Warn("Corrupted subscription cache entry, invalidating", "error", err, "subscription_id", UuidToString(id))
		c.Invalidate(ctx, id)
		return CachedSubscription{}, false
	}
	return entry, true
}

// Put overwrites the entry with the configured TTL. Used write-through after
// subscription create/update commits and after DB fallback reads.
func (c *SubscriptionCache) Put(ctx context.Context, id pgtype.UUID, entry CachedSubscription) {
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("Failed to marshal subscription cache entry", "error", err, "subscription_id", UuidToString(id))
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(id), data, c.ttl).Err(); err != nil {
		slog.Warn("Subscription cache write failed", "error", err, "subscription_id", UuidToString(id))
	}
}

// Invalidate removes the entry. Used after subscription deletes and on
// corrupted entries.
func (c *SubscriptionCache) Invalidate(ctx context.Context, id pgtype.UUID) {
	if err := c.rdb.Del(ctx, cacheKey(id)).Err(); err != nil {
		slog.Warn("Subscription cache invalidation failed", "error", err, "subscription_id", UuidToString(id))
	}
}

// CacheEntryFromSubscription projects a subscription row into its cache form.
func CacheEntryFromSubscription(s db.Subscription) CachedSubscription {
	entry := CachedSubscription{TargetURL: s.TargetUrl}
	if s.Secret.Valid {
		secret := s.Secret.String
		entry.Secret = &secret
	}
	if s.EventTypeFilter.Valid {
		filter := s.EventTypeFilter.String
		entry.EventTypeFilter = &filter
	}
	return entry
}

// ResolveSubscription looks up a subscription through the cache, falling back
// to the database and repopulating on a miss. The bool reports existence;
// errors are database errors only.
func ResolveSubscription(ctx context.Context, a *Application, id pgtype.UUID) (CachedSubscription, bool, error) {
	if entry, ok := a.SubCache.Get(ctx, id); ok {
		return entry, true, nil
	}

	sub, err := a.DB.GetSubscriptionByID(ctx, id)
	if err != nil {
		if IsNoRows(err) {
			return CachedSubscription{}, false, nil
		}
		return CachedSubscription{}, false, err
	}

	entry := CacheEntryFromSubscription(sub)
	a.SubCache.Put(ctx, id, entry)
	return entry, true, nil
}
