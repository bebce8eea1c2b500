package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// VelocityTracker records a join attempt and reports the resulting fraud signal.
type VelocityTracker interface {
	Observe(ctx context.Context, accountID, groupID, fingerprint string) (domain.FraudSignal, error)
}

// Cooldown admits at most one reward attempt per account per interval.
type Cooldown interface {
	Acquire(ctx context.Context, accountID string) (bool, error)
}

// KEYS[1] window set, ARGV: now ms, window ms, member.
var velocityWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZADD", KEYS[1], now, ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
redis.call("PEXPIRE", KEYS[1], window)
return count
`)

func normalizePrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = "hongbao:ledger"
	}
	return strings.TrimSuffix(trimmed, ":")
}

// RedisVelocityTracker keeps one sliding-window sorted set per account and one
// per fingerprint. Account sets hold distinct group ids; fingerprint sets hold
// distinct group/account pairs, so several accounts farming from one device
// raise the fingerprint count.
type RedisVelocityTracker struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	now    func() time.Time
}

func NewRedisVelocityTracker(client redis.UniversalClient, prefix string, window time.Duration) *RedisVelocityTracker {
	return &RedisVelocityTracker{
		client: client,
		prefix: normalizePrefix(prefix),
		window: window,
		now:    time.Now,
	}
}

func (t *RedisVelocityTracker) Observe(ctx context.Context, accountID, groupID, fingerprint string) (domain.FraudSignal, error) {
	signal := domain.FraudSignal{Fingerprint: strings.TrimSpace(fingerprint)}
	if t == nil || t.client == nil || t.window <= 0 {
		return signal, nil
	}

	count, err := t.observe(ctx, "velocity:account:"+accountID, groupID)
	if err != nil {
		return signal, err
	}
	signal.DistinctGroupsInWindow = count

	if signal.Fingerprint != "" {
		count, err := t.observe(ctx, "velocity:fingerprint:"+signal.Fingerprint, groupID+"|"+accountID)
		if err != nil {
			return signal, err
		}
		signal.FingerprintReuse = count
	}
	return signal, nil
}

func (t *RedisVelocityTracker) observe(ctx context.Context, key, member string) (int, error) {
	raw, err := velocityWindowScript.Run(ctx, t.client,
		[]string{fmt.Sprintf("%s:%s", t.prefix, key)},
		t.now().UnixMilli(), t.window.Milliseconds(), member,
	).Result()
	if err != nil {
		return 0, err
	}
	count, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis velocity response type: %T", raw)
	}
	return int(count), nil
}

// RedisCooldown is a per-account SET NX PX gate.
type RedisCooldown struct {
	client   redis.UniversalClient
	prefix   string
	interval time.Duration
}

func NewRedisCooldown(client redis.UniversalClient, prefix string, interval time.Duration) *RedisCooldown {
	return &RedisCooldown{
		client:   client,
		prefix:   normalizePrefix(prefix),
		interval: interval,
	}
}

// Acquire reports whether the account may attempt a reward now.
func (c *RedisCooldown) Acquire(ctx context.Context, accountID string) (bool, error) {
	if c == nil || c.client == nil || c.interval <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("%s:cooldown:entry_reward:%s", c.prefix, strings.TrimSpace(accountID))
	return c.client.SetNX(ctx, key, 1, c.interval).Result()
}
