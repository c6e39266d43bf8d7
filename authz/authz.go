// Package authz decide se uma API key pode acessar um path de recurso.
//
// Regra: chave resolvida -> assinatura efetivamente ativa -> plano concede o recurso.
// O resultado é memoizado por (resource_path, api_key) durante um TTL. Mudanças de
// plano/assinatura só aparecem depois do TTL ou de Invalidate: é uma janela de
// desatualização aceita.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"findata-gateway/account"
	"findata-gateway/apierror"
	"findata-gateway/cache"

	"github.com/rs/zerolog"
)

const memoName = "is_resource_authorized"

type Engine struct {
	store     account.Store
	resources *ResourceTable
	allow     map[string]struct{}
	cache     *cache.Cache
	ttl       time.Duration
	log       zerolog.Logger
}

type Option func(*Engine)

func WithResources(t *ResourceTable) Option {
	return func(e *Engine) { e.resources = t }
}

// WithAllowList substitui a lista de recursos liberados para toda assinatura ativa.
func WithAllowList(ids ...string) Option {
	return func(e *Engine) {
		e.allow = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
				e.allow[id] = struct{}{}
			}
		}
	}
}

// WithCache liga a memoização. Sem cache toda chamada consulta o store.
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cache = c
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(store account.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		resources: NewResourceTable(DefaultResources),
		ttl:       time.Hour,
		log:       zerolog.Nop(),
	}
	WithAllowList(DefaultAllowList...)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resources devolve a tabela path -> recurso usada pelo engine.
func (e *Engine) Resources() *ResourceTable { return e.resources }

func memoArgs(resourcePath, apiKey string) map[string]string {
	return map[string]string{"resource_path": resourcePath, "api_key": apiKey}
}

// IsResourceAuthorized devolve is_active AND can_access.
//
// Erros: apierror.ErrInvalidKey se a chave não resolve; apierror.ErrServiceUnavailable
// se o store não respondeu. Erros nunca são memoizados.
func (e *Engine) IsResourceAuthorized(ctx context.Context, resourcePath, apiKey string) (bool, error) {
	if e.cache == nil {
		return e.compute(ctx, resourcePath, apiKey)
	}
	return cache.Memoize(ctx, e.cache, memoName, memoArgs(resourcePath, apiKey), e.ttl, func(ctx context.Context) (bool, error) {
		return e.compute(ctx, resourcePath, apiKey)
	})
}

// Authorize é IsResourceAuthorized traduzido para erro (apierror.ErrNotAuthorized quando negado).
func (e *Engine) Authorize(ctx context.Context, resourcePath, apiKey string) error {
	ok, err := e.IsResourceAuthorized(ctx, resourcePath, apiKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s on %q: %w", account.MaskKey(apiKey), resourcePath, apierror.ErrNotAuthorized)
	}
	return nil
}

// Invalidate descarta a decisão memoizada para (resourcePath, apiKey).
func (e *Engine) Invalidate(ctx context.Context, resourcePath, apiKey string) {
	if e.cache == nil {
		return
	}
	e.cache.Delete(ctx, cache.Key(memoName, memoArgs(resourcePath, apiKey)))
}

func (e *Engine) compute(ctx context.Context, resourcePath, apiKey string) (bool, error) {
	lg := e.log.With().Str("api_key", account.MaskKey(apiKey)).Str("path", resourcePath).Logger()

	sub, err := e.store.SubscriptionByKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return false, fmt.Errorf("resolve subscription: %w", apierror.ErrInvalidKey)
		}
		lg.Warn().Err(err).Msg("subscription lookup failed")
		return false, unavailable(err)
	}

	if !sub.EffectivelyActive() {
		lg.Debug().Bool("flag_active", sub.IsActive).Msg("subscription not active")
		return false, nil
	}

	id, ok := e.resources.Resolve(resourcePath)
	if !ok {
		lg.Debug().Msg("path has no resource identifier")
		return false, nil
	}
	if _, ok := e.allow[id]; ok {
		return true, nil
	}

	plan, err := e.store.Plan(ctx, sub.PlanID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			lg.Warn().Str("plan_id", sub.PlanID).Msg("subscription references missing plan")
			return false, nil
		}
		lg.Warn().Err(err).Msg("plan lookup failed")
		return false, unavailable(err)
	}

	granted := plan.Grants(id)
	lg.Debug().Str("resource", id).Str("plan_id", plan.ID).Bool("granted", granted).Msg("authorization computed")
	return granted, nil
}

func unavailable(err error) error {
	if errors.Is(err, apierror.ErrServiceUnavailable) {
		return err
	}
	return fmt.Errorf("account store: %w: %w", apierror.ErrServiceUnavailable, err)
}
