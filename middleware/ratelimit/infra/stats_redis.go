package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"findata-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore agrega eventos de admissão em hashes compartilhados entre réplicas:
//
//	<prefix>:total             allowed|denied
//	<prefix>:reason            <motivo>
//	<prefix>:route             "<METHOD path>:allowed|denied"
//	<prefix>:minute:<yyyymmddhhmm>  allowed|denied (expira com ttl)
//	<prefix>:key:<chave>       allowed|denied (opcional, expira com ttl)
type RedisStatsStore struct {
	rdb    redis.Cmdable
	prefix string

	// total, motivo e rota são cumulativos; ttl vale para minuto e chave.
	ttl       time.Duration
	minutes   bool
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsMinuteBuckets liga/desliga a série por minuto (ligada por padrão).
func WithStatsMinuteBuckets(on bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.minutes = on }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:     rdb,
		prefix:  "gateway:stats",
		ttl:     24 * time.Hour,
		minutes: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := outcome(ev.Allowed)

	pipe := s.rdb.Pipeline()
	expiring := func(hash string) {
		pipe.HIncrBy(ctx, hash, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, hash, s.ttl)
		}
	}

	pipe.HIncrBy(ctx, s.key("total"), field, 1)
	if reason := strings.TrimSpace(ev.Reason); reason != "" {
		pipe.HIncrBy(ctx, s.key("reason"), reason, 1)
	}
	if route := strings.TrimSpace(ev.Method + " " + strings.TrimSpace(ev.Path)); route != "" {
		pipe.HIncrBy(ctx, s.key("route"), route+":"+field, 1)
	}
	if s.minutes {
		expiring(s.key("minute", at.UTC().Format("200601021504")))
	}
	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		expiring(s.key("key", k))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis stats: %w", err)
	}
	return nil
}

// Totals lê os contadores cumulativos de todas as réplicas.
func (s *RedisStatsStore) Totals(ctx context.Context) (Counters, map[string]int64, error) {
	pipe := s.rdb.Pipeline()
	total := pipe.HGetAll(ctx, s.key("total"))
	reasons := pipe.HGetAll(ctx, s.key("reason"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counters{}, nil, fmt.Errorf("redis stats: %w", err)
	}

	var c Counters
	c.Allowed, _ = strconv.ParseInt(total.Val()["allowed"], 10, 64)
	c.Denied, _ = strconv.ParseInt(total.Val()["denied"], 10, 64)

	byReason := make(map[string]int64, len(reasons.Val()))
	for r, v := range reasons.Val() {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		byReason[r] = n
	}
	return c, byReason, nil
}
