package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Cache combina o store em memória com um store remoto opcional.
//
// Com remoto disponível ele é o store primário; qualquer erro do remoto faz aquela
// operação usar o store em memória.
type Cache struct {
	local   Store
	remote  Store
	ttl     time.Duration
	timeout time.Duration
	compute time.Duration

	log      zerolog.Logger
	remoteLg zerolog.Logger
	flight   singleflight.Group
}

type Option func(*Cache)

// WithRemote registra um store remoto. Se o Ping falhar na construção, o remoto é descartado.
func WithRemote(r RemoteStore) Option {
	return func(c *Cache) {
		if r != nil {
			c.remote = r
		}
	}
}

// WithDefaultTTL é o TTL usado por Set.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithRemoteTimeout limita cada chamada ao store remoto.
func WithRemoteTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithComputeTimeout limita a computação compartilhada de Memoize (padrão 30s).
func WithComputeTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.compute = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func New(local Store, opts ...Option) *Cache {
	c := &Cache{
		local:   local,
		ttl:     time.Hour,
		timeout: 500 * time.Millisecond,
		compute: 30 * time.Second,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// com o remoto fora do ar cada operação loga; amostra para não inundar o log
	c.remoteLg = c.log.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second})

	if r, ok := c.remote.(RemoteStore); ok {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := r.Ping(ctx)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("remote cache unreachable, using in-memory store only")
			c.remote = nil
		}
	}
	return c
}

// RemoteEnabled informa se o store remoto passou no ping de construção.
func (c *Cache) RemoteEnabled() bool { return c.remote != nil }

func (c *Cache) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Cache) getRaw(ctx context.Context, key string) ([]byte, bool) {
	if c.remote != nil {
		rctx, cancel := c.remoteCtx(ctx)
		v, ok, err := c.remote.Get(rctx, key)
		cancel()
		if err == nil {
			return v, ok
		}
		c.remoteLg.Warn().Err(err).Str("op", "get").Msg("remote cache failed, falling back to memory")
	}
	v, ok, err := c.local.Get(ctx, key)
	if err != nil {
		c.log.Error().Err(err).Str("op", "get").Msg("memory cache failed")
		return nil, false
	}
	return v, ok
}

func (c *Cache) setRaw(ctx context.Context, key string, raw []byte, ttl time.Duration) {
	if c.remote != nil {
		rctx, cancel := c.remoteCtx(ctx)
		err := c.remote.Set(rctx, key, raw, ttl)
		cancel()
		if err == nil {
			return
		}
		c.remoteLg.Warn().Err(err).Str("op", "set").Msg("remote cache failed, falling back to memory")
	}
	if err := c.local.Set(ctx, key, raw, ttl); err != nil {
		c.log.Error().Err(err).Str("op", "set").Msg("memory cache failed")
	}
}

// Get devolve o valor decodificado. Payload que não decodifica volta cru (string).
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	raw, ok := c.getRaw(ctx, key)
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("cache value is not json, returning raw")
		return string(raw), true
	}
	return v, true
}

// Set grava com o TTL padrão.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	c.SetTTL(ctx, key, value, c.ttl)
}

func (c *Cache) SetTTL(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("cache value not serializable, skipping")
		return
	}
	c.setRaw(ctx, key, raw, ttl)
}

// Delete remove dos dois stores (o local pode ter valores gravados em fallback).
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.remote != nil {
		rctx, cancel := c.remoteCtx(ctx)
		if err := c.remote.Delete(rctx, key); err != nil {
			c.remoteLg.Warn().Err(err).Str("op", "delete").Msg("remote cache failed")
		}
		cancel()
	}
	_ = c.local.Delete(ctx, key)
}

func (c *Cache) Clear(ctx context.Context) {
	if c.remote != nil {
		rctx, cancel := c.remoteCtx(ctx)
		if err := c.remote.Clear(rctx); err != nil {
			c.remoteLg.Warn().Err(err).Str("op", "clear").Msg("remote cache failed")
		}
		cancel()
	}
	_ = c.local.Clear(ctx)
}

// Key monta a chave de memoização: nome da função + argumentos ordenados por nome.
// Valores vão entre aspas, então separadores dentro deles não geram colisão.
func Key(name string, args map[string]string) string {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(args[k]))
	}
	return b.String()
}

// Memoize devolve o valor em cache para (name, args) ou executa fn e grava o resultado.
//
// Um hit não executa fn (nem seus efeitos colaterais). Misses concorrentes para a mesma
// chave executam fn uma única vez, fora do contexto de qualquer chamador: quem desiste
// recebe ctx.Err() sem derrubar os demais. Erros de fn não são gravados.
func Memoize[T any](ctx context.Context, c *Cache, name string, args map[string]string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	key := Key(name, args)

	if raw, ok := c.getRaw(ctx, key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		c.log.Warn().Str("key", name).Msg("memoized value does not decode, recomputing")
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.compute)
		defer cancel()
		v, err := fn(fctx)
		if err != nil {
			return nil, err
		}
		c.SetTTL(fctx, key, v, ttl)
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}
