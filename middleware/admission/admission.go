// Package admission compõe as etapas de admissão por requisição em uma pipeline.
//
// Cada etapa recebe o Subject (api key + path do recurso) e devolve nil para deixar
// seguir ou um erro de apierror. A primeira recusa encerra a pipeline; a tradução
// para HTTP acontece só no middleware.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"findata-gateway/account"
	"findata-gateway/apierror"
	"findata-gateway/keycache"
	"findata-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Subject é o que as etapas enxergam de uma requisição.
type Subject struct {
	APIKey       string
	ResourcePath string
	Method       string
}

type Stage interface {
	Name() string
	Admit(ctx context.Context, s Subject) error
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, s Subject) error
}

func (f stageFunc) Name() string                               { return f.name }
func (f stageFunc) Admit(ctx context.Context, s Subject) error { return f.fn(ctx, s) }

// StageFunc transforma uma função em Stage.
func StageFunc(name string, fn func(ctx context.Context, s Subject) error) Stage {
	return stageFunc{name: name, fn: fn}
}

// QuotaAdmitter é o lado do keycache usado pela etapa de cota.
type QuotaAdmitter interface {
	Admit(ctx context.Context, apiKey string) (keycache.Verdict, error)
}

// KeyQuota valida a chave e contabiliza a requisição na janela dela.
func KeyQuota(q QuotaAdmitter) Stage {
	return StageFunc("key_quota", func(ctx context.Context, s Subject) error {
		_, err := q.Admit(ctx, s.APIKey)
		return err
	})
}

type Authorizer interface {
	Authorize(ctx context.Context, resourcePath, apiKey string) error
}

// Authorization confere assinatura ativa e recurso no plano.
func Authorization(a Authorizer) Stage {
	return StageFunc("authorization", func(ctx context.Context, s Subject) error {
		return a.Authorize(ctx, s.ResourcePath, s.APIKey)
	})
}

// UnknownRoute é o rótulo de estatística quando não há WithRouteLabel.
const UnknownRoute = "unknown"

type Pipeline struct {
	stages []Stage
	stats  domain.StatsStore
	label  func(resourcePath string) string
	clock  clock.Clock
	log    zerolog.Logger
}

type Option func(*Pipeline)

func WithStats(s domain.StatsStore) Option {
	return func(p *Pipeline) { p.stats = s }
}

// WithRouteLabel converte o path do recurso no rótulo gravado nas estatísticas.
// O path vem do cliente; o rótulo precisa ter cardinalidade fechada.
func WithRouteLabel(fn func(resourcePath string) string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.label = fn
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func New(stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		stages: stages,
		label:  func(string) string { return UnknownRoute },
		clock:  clock.New(),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admit roda as etapas em ordem e para na primeira recusa.
func (p *Pipeline) Admit(ctx context.Context, s Subject) error {
	for _, st := range p.stages {
		if err := st.Admit(ctx, s); err != nil {
			return fmt.Errorf("%s: %w", st.Name(), err)
		}
	}
	return nil
}

// Middleware extrai o Subject, roda a pipeline e só então chama next.
//
// A api key vem do parâmetro api_key; o path do recurso vem do wildcard {path...}
// do padrão da rota (ou do path sem o prefixo /api/v1/).
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := Subject{
			APIKey:       strings.TrimSpace(r.URL.Query().Get("api_key")),
			ResourcePath: resourcePath(r),
			Method:       r.Method,
		}
		if s.ResourcePath == "" {
			apierror.WriteDetail(w, http.StatusBadRequest, "Missing resource path")
			return
		}

		err := p.Admit(r.Context(), s)
		p.record(r.Context(), s, err)
		if err != nil {
			p.logDenied(s, err)
			apierror.Write(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func resourcePath(r *http.Request) string {
	if v := r.PathValue("path"); v != "" {
		return v
	}
	return strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"), "api/v1/")
}

func (p *Pipeline) record(ctx context.Context, s Subject, err error) {
	if p.stats == nil {
		return
	}
	ev := domain.StatsEvent{
		Key:     domain.Key(account.MaskKey(s.APIKey)),
		Allowed: err == nil,
		Reason:  apierror.Reason(err),
		Method:  s.Method,
		Path:    p.label(s.ResourcePath),
		At:      p.clock.Now(),
	}
	if rerr := p.stats.Record(ctx, ev); rerr != nil {
		p.log.Warn().Err(rerr).Msg("admission stats not recorded")
	}
}

func (p *Pipeline) logDenied(s Subject, err error) {
	ev := p.log.Info()
	if status, _ := apierror.Status(err); status >= http.StatusInternalServerError {
		ev = p.log.Warn()
	}
	ev.Err(err).
		Str("api_key", account.MaskKey(s.APIKey)).
		Str("path", s.ResourcePath).
		Str("reason", apierror.Reason(err)).
		Msg("request denied")
}
