// Package breaker protege chamadas a dependências instáveis (store de contas, backends).
//
// Estados:
//
//   - allowing: chamadas passam; falhas são contadas
//   - tripped:  toda chamada falha imediatamente com ErrServiceUnavailable
//   - probing:  após o cooldown, chamadas de teste decidem entre allowing e tripped
//
// O estado inicial é allowing e não existe estado terminal.
// O cooldown é avaliado contra um deadline (sem goroutine de timer), então duas falhas
// concorrentes nunca agendam dois cooldowns.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"findata-gateway/apierror"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

type State int

const (
	StateAllowing State = iota
	StateTripped
	StateProbing
)

func (s State) String() string {
	switch s {
	case StateAllowing:
		return "allowing"
	case StateTripped:
		return "tripped"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// ErrServiceUnavailable é o sinal devolvido ao chamador quando o breaker bloqueia
// ou quando a chamada protegida falha.
var ErrServiceUnavailable = apierror.ErrServiceUnavailable

type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	timeout   time.Duration
	isFailure func(error) bool
	clock     clock.Clock
	log       zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	reopenAt time.Time
}

type Option func(*Breaker)

// WithThreshold define quantas falhas consecutivas desarmam o breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithCallTimeout aplica um timeout a cada chamada protegida. Timeout conta como falha.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.timeout = d }
}

// WithFailurePredicate decide quais erros contam como falha da dependência.
// Erros que não contam (ex.: "não encontrado") são devolvidos como estão.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		cooldown:  30 * time.Second,
		isFailure: func(err error) bool { return err != nil },
		clock:     clock.New(),
		log:       zerolog.Nop(),
		state:     StateAllowing,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// Snapshot é o estado observável do breaker (para admin/diagnóstico).
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Threshold int       `json:"threshold"`
	ReopenAt  time.Time `json:"reopen_at,omitempty"`
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(b.clock.Now())
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(b.clock.Now())
	s := Snapshot{Name: b.name, State: b.state.String(), Failures: b.failures, Threshold: b.threshold}
	if b.state == StateTripped {
		s.ReopenAt = b.reopenAt
	}
	return s
}

// Execute executa fn se o estado permitir e contabiliza o resultado.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.advanceLocked(b.clock.Now())
	if b.state == StateTripped {
		b.mu.Unlock()
		return fmt.Errorf("breaker %s tripped: %w", b.name, ErrServiceUnavailable)
	}
	b.mu.Unlock()

	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && ctx.Err() != nil {
		// o chamador desistiu: o resultado não diz nada sobre a dependência
		return err
	}
	if err != nil && b.isFailure(err) {
		b.onFailure(err)
		return fmt.Errorf("breaker %s: %w: %w", b.name, ErrServiceUnavailable, err)
	}
	b.onSuccess()
	return err
}

// advanceLocked aplica a transição tripped -> probing quando o cooldown venceu.
func (b *Breaker) advanceLocked(now time.Time) {
	if b.state == StateTripped && !now.Before(b.reopenAt) {
		b.transitionLocked(StateProbing)
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	b.log.Info().Str("breaker", b.name).Str("from", b.state.String()).Str("to", to.String()).Msg("circuit state changed")
	b.state = to
	b.failures = 0
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateProbing {
		b.transitionLocked(StateAllowing)
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// uma chamada que começou antes do trip não reagenda o cooldown
	if b.state == StateTripped {
		return
	}
	b.failures++
	b.log.Warn().Err(err).Str("breaker", b.name).Int("failures", b.failures).Int("threshold", b.threshold).Msg("guarded call failed")
	if b.failures >= b.threshold {
		b.reopenAt = b.clock.Now().Add(b.cooldown)
		b.transitionLocked(StateTripped)
	}
}
