package account

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"findata-gateway/breaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureYAML = `
plans:
  - id: basic
    name: Basic
    resources: [EOD.all, fundamentals.all]
    rate_limit: 100
    duration: 30m
    plan_limit: 100000
  - id: free
    resources: [eod.all]
subscriptions:
  - id: s1
    api_key: key-basic
    plan_id: basic
    is_active: true
    invoices:
      - id: inv1
        amount: 1999
        payments:
          - id: p1
            amount: 1999
  - id: s2
    api_key: key-free
    plan_id: free
    is_active: true
  - id: s3
    api_key: key-cancelled
    plan_id: basic
    is_active: false
`

func TestLoad_ParsesFixtures(t *testing.T) {
	s, err := Load([]byte(fixtureYAML), WithKeyDefaults(time.Hour, 10))
	require.NoError(t, err)

	keys, err := s.ActiveKeys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []KeyRecord{
		{APIKey: "key-basic", Duration: 30 * time.Minute, RateLimit: 100},
		{APIKey: "key-free", Duration: time.Hour, RateLimit: 10},
	}, keys)

	sub, err := s.SubscriptionByKey(context.Background(), "key-basic")
	require.NoError(t, err)
	assert.True(t, sub.EffectivelyActive())

	p, err := s.Plan(context.Background(), "basic")
	require.NoError(t, err)
	assert.True(t, p.Grants("eod.all"))
	assert.False(t, p.Grants("news.all"))
}

func TestLoad_RejectsUnknownPlan(t *testing.T) {
	_, err := Load([]byte(`
subscriptions:
  - id: s1
    api_key: k
    plan_id: nope
`))
	require.Error(t, err)
}

func TestSubscription_EffectivelyActive(t *testing.T) {
	paid := Invoice{ID: "i1", Amount: 1000, Payments: []Payment{{Amount: 400}, {Amount: 1000}}}
	unpaid := Invoice{ID: "i2", Amount: 1000, Payments: []Payment{{Amount: 999}}}

	assert.True(t, (&Subscription{IsActive: true}).EffectivelyActive())
	assert.True(t, (&Subscription{IsActive: true, Invoices: []Invoice{paid}}).EffectivelyActive())
	assert.False(t, (&Subscription{IsActive: true, Invoices: []Invoice{paid, unpaid}}).EffectivelyActive())
	assert.False(t, (&Subscription{IsActive: false}).EffectivelyActive())
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.SubscriptionByKey(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Plan(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

type failingStore struct{ Store }

func (failingStore) SubscriptionByKey(context.Context, string) (*Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestGuardedStore_NotFoundDoesNotTrip(t *testing.T) {
	cb := breaker.New("accounts", breaker.WithThreshold(1), breaker.WithFailurePredicate(IsDependencyFailure))
	g := NewGuardedStore(NewMemoryStore(), cb)

	_, err := g.SubscriptionByKey(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, breaker.StateAllowing, cb.State())
}

func TestGuardedStore_FailuresTrip(t *testing.T) {
	cb := breaker.New("accounts", breaker.WithThreshold(1), breaker.WithFailurePredicate(IsDependencyFailure))
	g := NewGuardedStore(failingStore{Store: NewMemoryStore()}, cb)

	_, err := g.SubscriptionByKey(context.Background(), "k")
	require.ErrorIs(t, err, breaker.ErrServiceUnavailable)
	require.Equal(t, breaker.StateTripped, cb.State())
}

// blockingStore respeita o ctx como um driver de banco faria.
type blockingStore struct{ Store }

func (blockingStore) SubscriptionByKey(ctx context.Context, _ string) (*Subscription, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestIsDependencyFailure(t *testing.T) {
	assert.False(t, IsDependencyFailure(nil))
	assert.False(t, IsDependencyFailure(ErrNotFound))
	assert.False(t, IsDependencyFailure(fmt.Errorf("lookup: %w", context.Canceled)))
	assert.True(t, IsDependencyFailure(context.DeadlineExceeded))
	assert.True(t, IsDependencyFailure(errors.New("connection refused")))
}

func TestGuardedStore_CancelledCallersDoNotTrip(t *testing.T) {
	cb := breaker.New("accounts", breaker.WithThreshold(3), breaker.WithFailurePredicate(IsDependencyFailure))
	g := NewGuardedStore(blockingStore{Store: NewMemoryStore()}, cb)

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := g.SubscriptionByKey(ctx, "k")
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, breaker.ErrServiceUnavailable)
	}
	require.Equal(t, breaker.StateAllowing, cb.State())

	healthy := NewGuardedStore(NewMemoryStore(), cb)
	_, err := healthy.SubscriptionByKey(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "abcd***", MaskKey("abcdefgh"))
	assert.Equal(t, "***", MaskKey("abc"))
}
