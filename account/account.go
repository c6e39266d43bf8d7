// Package account define a fronteira com o store de contas/assinaturas/planos.
//
// O gateway apenas lê desse store. A persistência real (relacional) fica fora deste
// repositório; aqui existem o contrato, um store em memória (fixtures/testes) e um
// decorator protegido por circuit breaker.
package account

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound indica chave/assinatura/plano inexistente. Não é falha da dependência.
var ErrNotFound = errors.New("account: not found")

// KeyRecord é o registro de uma chave ativa, usado pelo refresh do KeyCache.
type KeyRecord struct {
	APIKey    string
	Duration  time.Duration
	RateLimit int
}

type Plan struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	Resources      []string      `yaml:"resources"`
	RateLimit      int           `yaml:"rate_limit"`
	Duration       time.Duration `yaml:"duration"`
	PlanLimit      int           `yaml:"plan_limit"`
	RatePerRequest float64       `yaml:"rate_per_request"`
}

// Grants informa se o plano contém o identificador de recurso (case-insensitive).
func (p *Plan) Grants(resource string) bool {
	for _, r := range p.Resources {
		if strings.EqualFold(strings.TrimSpace(r), resource) {
			return true
		}
	}
	return false
}

// Valores monetários em centavos.
type Payment struct {
	ID     string `yaml:"id"`
	Amount int64  `yaml:"amount"`
}

type Invoice struct {
	ID       string    `yaml:"id"`
	Amount   int64     `yaml:"amount"`
	Payments []Payment `yaml:"payments"`
}

// Paid: existe um pagamento com valor >= valor faturado.
func (i Invoice) Paid() bool {
	for _, p := range i.Payments {
		if p.Amount >= i.Amount {
			return true
		}
	}
	return false
}

type Subscription struct {
	ID                 string    `yaml:"id"`
	AccountID          string    `yaml:"account_id"`
	APIKey             string    `yaml:"api_key"`
	PlanID             string    `yaml:"plan_id"`
	IsActive           bool      `yaml:"is_active"`
	APIRequestsBalance int       `yaml:"api_requests_balance"`
	Invoices           []Invoice `yaml:"invoices"`
}

// EffectivelyActive: flag ativa E nenhuma fatura em aberto.
func (s *Subscription) EffectivelyActive() bool {
	if !s.IsActive {
		return false
	}
	for _, inv := range s.Invoices {
		if !inv.Paid() {
			return false
		}
	}
	return true
}

// MaskKey esconde a chave em logs.
func MaskKey(apiKey string) string {
	if len(apiKey) <= 4 {
		return "***"
	}
	return apiKey[:4] + "***"
}

// Store é o contrato consumido pelo núcleo do gateway.
type Store interface {
	ActiveKeys(ctx context.Context) ([]KeyRecord, error)
	SubscriptionByKey(ctx context.Context, apiKey string) (*Subscription, error)
	Plan(ctx context.Context, planID string) (*Plan, error)
}
