package threat

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default Redis keys for the indicator sets
const (
	DefaultBadIPKey     = "argus:threat:bad_ips"
	DefaultUserAgentKey = "argus:threat:user_agents"
)

// RedisLookup reads indicator sets maintained in Redis by an external feed
type RedisLookup struct {
	client *redis.Client
	ipKey  string
	uaKey  string
	logger *zap.SugaredLogger
}

// NewRedisLookup creates a lookup backed by a Redis server
func NewRedisLookup(addr, password string, db int, logger *zap.SugaredLogger) *RedisLookup {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLookupWithClient(client, DefaultBadIPKey, DefaultUserAgentKey, logger)
}

// NewRedisLookupWithClient wraps an existing client with custom keys
func NewRedisLookupWithClient(client *redis.Client, ipKey, uaKey string, logger *zap.SugaredLogger) *RedisLookup {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if ipKey == "" {
		ipKey = DefaultBadIPKey
	}
	if uaKey == "" {
		uaKey = DefaultUserAgentKey
	}
	return &RedisLookup{client: client, ipKey: ipKey, uaKey: uaKey, logger: logger}
}

// Ping tests the Redis connection
func (r *RedisLookup) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisLookup) Close() error {
	return r.client.Close()
}

// CheckIP is a set membership test on the bad IP set
func (r *RedisLookup) CheckIP(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	hit, err := r.client.SIsMember(ctx, r.ipKey, ip).Result()
	recordLookup("redis", hit, err)
	if err != nil {
		return false, fmt.Errorf("redis bad IP lookup: %w", err)
	}
	return hit, nil
}

// MatchUserAgent substring-matches the user agent against every stored indicator
func (r *RedisLookup) MatchUserAgent(ctx context.Context, userAgent string) (bool, error) {
	if userAgent == "" {
		return false, nil
	}
	indicators, err := r.client.SMembers(ctx, r.uaKey).Result()
	if err != nil {
		recordLookup("redis", false, err)
		return false, fmt.Errorf("redis user agent lookup: %w", err)
	}
	ua := strings.ToLower(userAgent)
	for _, ind := range indicators {
		if ind = strings.ToLower(strings.TrimSpace(ind)); ind != "" && strings.Contains(ua, ind) {
			recordLookup("redis", true, nil)
			return true, nil
		}
	}
	recordLookup("redis", false, nil)
	return false, nil
}

// AddBadIPs adds addresses to the bad IP set
func (r *RedisLookup) AddBadIPs(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	members := make([]interface{}, len(ips))
	for i, ip := range ips {
		members[i] = ip
	}
	return r.client.SAdd(ctx, r.ipKey, members...).Err()
}

// AddUserAgentIndicators adds substrings to the user agent indicator set
func (r *RedisLookup) AddUserAgentIndicators(ctx context.Context, indicators ...string) error {
	if len(indicators) == 0 {
		return nil
	}
	members := make([]interface{}, len(indicators))
	for i, ind := range indicators {
		members[i] = ind
	}
	return r.client.SAdd(ctx, r.uaKey, members...).Err()
}
