package cache

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"
)

// NullCacheValue marks a cached miss so repeated lookups of an absent key do
// not reach the backing store.
const NullCacheValue = "$NULL$"

// GetOrLoad reads key as JSON. On a miss it calls load and caches the result
// for ttl, or caches the miss for emptyTTL when load reports nothing found.
// Cache errors never fail the lookup.
func GetOrLoad[T any](
	ctx context.Context,
	c Cache,
	key string,
	ttl time.Duration,
	emptyTTL time.Duration,
	load func(context.Context) (T, bool, error),
) (T, bool, error) {
	var zero T
	if cached, err := c.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return zero, false, nil
		}
		var v T
		if err := json.Unmarshal([]byte(cached), &v); err == nil {
			return v, true, nil
		}
	}

	v, found, err := load(ctx)
	if err != nil {
		return zero, false, err
	}
	if !found {
		_ = c.Set(ctx, key, NullCacheValue, emptyTTL)
		return zero, false, nil
	}
	if data, err := json.Marshal(v); err == nil {
		_ = c.Set(ctx, key, string(data), JitterTTL(ttl))
	}
	return v, true, nil
}

// JitterTTL shortens ttl by up to 10% so keys written together expire apart.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
