package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/timeline"
)

const cachePrefix = "eventchain:"

// Cache is the slice of the Redis client the cached gateway needs.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedGateway memoises the terminology lookups (subcodes, crosswalk, code
// descriptions) in Redis. Fact and patient queries always go to the store.
// Cache failures are logged and fall through to the inner gateway.
type CachedGateway struct {
	inner Gateway
	cache Cache
	ttl   time.Duration
}

// NewCachedGateway returns inner unchanged when cache is nil.
func NewCachedGateway(inner Gateway, cache Cache, ttl time.Duration) Gateway {
	if cache == nil {
		return inner
	}
	return &CachedGateway{inner: inner, cache: cache, ttl: ttl}
}

func cacheKey(kind string, parts ...string) string {
	return cachePrefix + kind + ":" + strings.Join(parts, ":")
}

func readThrough[T any](ctx context.Context, c *CachedGateway, key string, load func() (T, error)) (T, error) {
	raw, err := c.cache.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if jerr := json.Unmarshal(raw, &v); jerr == nil {
			return v, nil
		}
		logger.Log.WithField("key", key).Warn("Dropping undecodable cache entry")
	} else if !errors.Is(err, redis.Nil) {
		logger.Log.WithError(err).WithField("key", key).Warn("Cache read failed")
	}

	v, err := load()
	if err != nil {
		return v, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := c.cache.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.Log.WithError(err).WithField("key", key).Warn("Cache write failed")
	}
	return v, nil
}

func (c *CachedGateway) QuerySubcodes(ctx context.Context, codes []string, table string) ([]string, error) {
	key := cacheKey("subcodes", table, strings.Join(sortedCopy(codes), ","))
	return readThrough(ctx, c, key, func() ([]string, error) {
		return c.inner.QuerySubcodes(ctx, codes, table)
	})
}

func (c *CachedGateway) QueryIcd9Icd10Map(ctx context.Context, codes []string, searchColumn string) ([]CodeMapping, error) {
	key := cacheKey("crosswalk", searchColumn, strings.Join(sortedCopy(codes), ","))
	return readThrough(ctx, c, key, func() ([]CodeMapping, error) {
		return c.inner.QueryIcd9Icd10Map(ctx, codes, searchColumn)
	})
}

func (c *CachedGateway) QueryCodeDescriptions(ctx context.Context, codes []string, systems []string) ([]CodeDescription, error) {
	key := cacheKey("descriptions", strings.Join(sortedCopy(systems), ","), strings.Join(sortedCopy(codes), ","))
	return readThrough(ctx, c, key, func() ([]CodeDescription, error) {
		return c.inner.QueryCodeDescriptions(ctx, codes, systems)
	})
}

func (c *CachedGateway) QueryCodeInfo(ctx context.Context, q CodeQuery) ([]Record, error) {
	return c.inner.QueryCodeInfo(ctx, q)
}

func (c *CachedGateway) QueryDeadPatients(ctx context.Context, windows timeline.Windows) ([]Record, error) {
	return c.inner.QueryDeadPatients(ctx, windows)
}

func (c *CachedGateway) QueryPatientInfo(ctx context.Context, patientIDs []string) ([]Patient, error) {
	return c.inner.QueryPatientInfo(ctx, patientIDs)
}
