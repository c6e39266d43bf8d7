package account

import (
	"context"
	"errors"
)

// Executor é o mínimo de um circuit breaker (ver pacote breaker).
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// IsDependencyFailure diz se um erro do store deve contar como falha da dependência.
// ErrNotFound é uma resposta válida e context.Canceled vem do chamador; nenhum dos dois é falha.
func IsDependencyFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}

// GuardedStore passa todas as chamadas do Store por um Executor (breaker + timeout).
type GuardedStore struct {
	inner Store
	guard Executor
}

func NewGuardedStore(inner Store, guard Executor) *GuardedStore {
	return &GuardedStore{inner: inner, guard: guard}
}

func (g *GuardedStore) ActiveKeys(ctx context.Context) ([]KeyRecord, error) {
	var out []KeyRecord
	err := g.guard.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ActiveKeys(ctx)
		return err
	})
	return out, err
}

func (g *GuardedStore) SubscriptionByKey(ctx context.Context, apiKey string) (*Subscription, error) {
	var out *Subscription
	err := g.guard.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.SubscriptionByKey(ctx, apiKey)
		return err
	})
	return out, err
}

func (g *GuardedStore) Plan(ctx context.Context, planID string) (*Plan, error) {
	var out *Plan
	err := g.guard.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Plan(ctx, planID)
		return err
	})
	return out, err
}
