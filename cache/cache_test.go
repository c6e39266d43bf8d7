package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T, size int, mock *clock.Mock) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(size, WithMemoryClock(mock))
	require.NoError(t, err)
	return s
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCache_ScenarioC(t *testing.T) {
	ctx := context.Background()
	c := New(newMemory(t, 2, clock.NewMock()))

	c.Set(ctx, "x", 1)
	c.Set(ctx, "y", 2)
	c.Set(ctx, "z", 3)

	_, ok := c.Get(ctx, "x")
	assert.False(t, ok)
	v, ok := c.Get(ctx, "y")
	require.True(t, ok)
	assert.EqualValues(t, 2, v)
	v, ok = c.Get(ctx, "z")
	require.True(t, ok)
	assert.EqualValues(t, 3, v)
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	c := New(newMemory(t, 10, mock))

	c.SetTTL(ctx, "k", "v", 5*time.Second)
	mock.Add(4 * time.Second)
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	mock.Add(time.Second)
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)
}

func TestMemoryStore_EvictsOldestByWriteTime(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	s := newMemory(t, 3, mock)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Set(ctx, k, []byte(k), 0))
		mock.Add(time.Millisecond)
	}
	// leitura não conta como uso
	_, _, _ = s.Get(ctx, "b")
	// reescrita atualiza o timestamp de "a"
	require.NoError(t, s.Set(ctx, "a", []byte("a2"), 0))
	require.NoError(t, s.Set(ctx, "d", []byte("d"), 0))

	require.Equal(t, 3, s.Len())
	require.Equal(t, int64(1), s.Evictions())
	_, ok, _ := s.Get(ctx, "b")
	assert.False(t, ok)
	for _, k := range []string{"a", "c", "d"} {
		_, ok, _ := s.Get(ctx, k)
		assert.True(t, ok, k)
	}
}

func TestMemoryStore_ConcurrentSetsRespectMaxSize(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore(16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 16, s.Len())
	require.Equal(t, int64(200-16), s.Evictions())
}

func TestCache_MalformedPayloadReturnsRaw(t *testing.T) {
	ctx := context.Background()
	local := newMemory(t, 4, clock.NewMock())
	require.NoError(t, local.Set(ctx, "bad", []byte("{not json"), 0))

	c := New(local)
	v, ok := c.Get(ctx, "bad")
	require.True(t, ok)
	require.Equal(t, "{not json", v)
}

func TestCache_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	c := New(newMemory(t, 4, clock.NewMock()))
	c.Set(ctx, "a", true)
	c.Set(ctx, "b", true)

	c.Delete(ctx, "a")
	_, ok := c.Get(ctx, "a")
	require.False(t, ok)

	c.Clear(ctx)
	_, ok = c.Get(ctx, "b")
	require.False(t, ok)
}

func TestCache_UsesRemoteWhenAvailable(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	local := newMemory(t, 4, clock.NewMock())
	c := New(local, WithRemote(NewRedisStore(rdb, WithRedisPrefix("test"))))
	require.True(t, c.RemoteEnabled())

	c.SetTTL(ctx, "k", map[string]int{"n": 1}, time.Minute)
	raw, err := mr.Get("test:k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, raw)
	assert.Equal(t, 0, local.Len())

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"n": float64(1)}, v)

	mr.FastForward(time.Minute)
	_, ok = c.Get(ctx, "k")
	require.False(t, ok)
}

func TestCache_RemoteUnreachableAtConstruction(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	mr.Close()

	c := New(newMemory(t, 4, clock.NewMock()), WithRemote(NewRedisStore(rdb)), WithRemoteTimeout(50*time.Millisecond))
	require.False(t, c.RemoteEnabled())

	c.Set(ctx, "k", "v")
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestCache_RemoteFailureFallsBackPerOperation(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	local := newMemory(t, 4, clock.NewMock())
	c := New(local, WithRemote(NewRedisStore(rdb)), WithRemoteTimeout(100*time.Millisecond))
	require.True(t, c.RemoteEnabled())

	mr.Close()
	c.Set(ctx, "k", 42)
	require.Equal(t, 1, local.Len())

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.EqualValues(t, 42, v)

	c.Delete(ctx, "k")
	c.Clear(ctx)
	require.Equal(t, 0, local.Len())
}

func TestRedisStore_ClearOnlyTouchesPrefix(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, WithRedisPrefix("gw:"))

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Second))
	require.NoError(t, mr.Set("other", "keep"))

	require.NoError(t, s.Clear(ctx))
	assert.False(t, mr.Exists("gw:a"))
	assert.False(t, mr.Exists("gw:b"))
	assert.True(t, mr.Exists("other"))
}

func TestKey_SortsArguments(t *testing.T) {
	a := Key("f", map[string]string{"b": "2", "a": "1"})
	b := Key("f", map[string]string{"a": "1", "b": "2"})
	require.Equal(t, `f|a="1"|b="2"`, a)
	require.Equal(t, a, b)
}

func TestKey_SeparatorsInValuesDoNotCollide(t *testing.T) {
	a := Key("authz", map[string]string{"api_key": "A|path=x", "path": "y"})
	b := Key("authz", map[string]string{"api_key": "A", "path": "x|path=y"})
	require.NotEqual(t, a, b)
}

func TestMemoize_HitSkipsComputation(t *testing.T) {
	ctx := context.Background()
	c := New(newMemory(t, 4, clock.NewMock()))
	args := map[string]string{"x": "1"}

	var calls atomic.Int32
	fn := func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	}

	for i := 0; i < 3; i++ {
		v, err := Memoize(ctx, c, "f", args, time.Minute, fn)
		require.NoError(t, err)
		require.True(t, v)
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestMemoize_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	c := New(newMemory(t, 4, clock.NewMock()))
	errDown := errors.New("down")

	_, err := Memoize(ctx, c, "f", nil, time.Minute, func(context.Context) (bool, error) { return false, errDown })
	require.ErrorIs(t, err, errDown)

	v, err := Memoize(ctx, c, "f", nil, time.Minute, func(context.Context) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, v)
}

func TestMemoize_CoalescesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	c := New(newMemory(t, 4, clock.NewMock()))

	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Memoize(ctx, c, "slow", nil, time.Minute, fn)
			if err == nil {
				results[i] = v
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Equal(t, 7, v)
	}
}

func TestMemoize_CallerCancellationDoesNotAbortOthers(t *testing.T) {
	c := New(newMemory(t, 4, clock.NewMock()))

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return 42, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := Memoize(ctxA, c, "shared", nil, time.Minute, fn)
		errA <- err
	}()
	<-started

	type result struct {
		v   int
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := Memoize(context.Background(), c, "shared", nil, time.Minute, fn)
		resB <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	got := <-resB
	require.NoError(t, got.err)
	require.Equal(t, 42, got.v)
	require.Equal(t, int32(1), calls.Load())

	v, err := Memoize(context.Background(), c, "shared", nil, time.Minute, fn)
	require.NoError(t, err)
	require.Equal(t, 42, v, "result was stored even though the first caller gave up")
}
