package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"faasrt/internal/common/cache"
	"faasrt/internal/runtime/engine"
	appErr "faasrt/pkg/errors"
)

const (
	recordKeyPrefix = "invocation:record:"
	recentKeyPrefix = "invocation:recent:"

	defaultStatusTTL = 30 * time.Minute
	defaultRecentLen = 100
)

// StatusCache keeps recent records in Redis: one key per record and a capped
// list of request ids per module.
type StatusCache struct {
	cache     cache.Cache
	TTL       time.Duration
	RecentLen int64
}

func NewStatusCache(cacheClient cache.Cache, ttl time.Duration, recentLen int) *StatusCache {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	if recentLen <= 0 {
		recentLen = defaultRecentLen
	}
	return &StatusCache{cache: cacheClient, TTL: ttl, RecentLen: int64(recentLen)}
}

func recordKey(requestID string) string { return recordKeyPrefix + requestID }
func recentKey(module string) string    { return recentKeyPrefix + module }

// Save stores rec and pushes it onto its module's recent list.
func (c *StatusCache) Save(ctx context.Context, rec Record) error {
	if rec.RequestID == "" {
		return appErr.ValidationError("request_id", "required")
	}
	if c.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal invocation record failed: %w", err)
	}
	err = c.cache.Pipeline(ctx, func(p cache.Pipeliner) error {
		if err := p.Set(recordKey(rec.RequestID), string(data), cache.JitterTTL(c.TTL)); err != nil {
			return err
		}
		if rec.Module == "" {
			return nil
		}
		key := recentKey(rec.Module)
		if err := p.LPush(key, rec.RequestID); err != nil {
			return err
		}
		if err := p.LTrim(key, 0, c.RecentLen-1); err != nil {
			return err
		}
		return p.Expire(key, c.TTL)
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store invocation %s failed", rec.RequestID)
	}
	return nil
}

// Get returns the cached record for requestID.
func (c *StatusCache) Get(ctx context.Context, requestID string) (Record, error) {
	if requestID == "" {
		return Record{}, appErr.ValidationError("request_id", "required")
	}
	if c.cache == nil {
		return Record{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := c.cache.Get(ctx, recordKey(requestID))
	if err != nil {
		return Record{}, appErr.Wrapf(err, appErr.CacheError, "read invocation %s failed", requestID)
	}
	if val == "" || val == cache.NullCacheValue {
		return Record{}, appErr.New(appErr.NotFound).WithMessagef("invocation %s not found", requestID)
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, appErr.Wrapf(err, appErr.CacheError, "decode invocation %s failed", requestID)
	}
	return rec, nil
}

// Recent returns up to limit cached records of module, newest first.
// Records whose key already expired are skipped.
func (c *StatusCache) Recent(ctx context.Context, module string, limit int) ([]Record, error) {
	if module == "" {
		return nil, appErr.ValidationError("module", "required")
	}
	if c.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if limit <= 0 || int64(limit) > c.RecentLen {
		limit = int(c.RecentLen)
	}
	ids, err := c.cache.LRange(ctx, recentKey(module), 0, int64(limit)-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read recent invocations of %s failed", module)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := c.Get(ctx, id)
		if err != nil {
			if appErr.GetCode(err) == appErr.NotFound {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *StatusCache) Name() string { return "redis" }

func (c *StatusCache) Handle(ctx context.Context, ev engine.Event) error {
	return c.Save(ctx, FromEvent(ev))
}
