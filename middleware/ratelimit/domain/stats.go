package domain

import (
	"context"
	"time"
)

// Motivos registrados em StatsEvent.Reason. Os estágios de admissão usam também os
// motivos de apierror.Reason (invalid_key, quota_exceeded, not_authorized, ...).
const (
	ReasonAllowed   = "allowed"
	ReasonThrottled = "throttled"
	ReasonDelayed   = "delayed"
	ReasonNoSlot    = "no_slot"
)

// StatsEvent representa um desfecho de admissão.
//
// Method/Path são strings genéricas. Cuidado com cardinalidade: Key pode ser IP ou
// API key e Path é o path do recurso, então persistir por chave é opcional.
type StatsEvent struct {
	Key     Key
	Allowed bool
	Reason  string

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas de admissão.
//
// Implementações podem armazenar em Redis, Prometheus, memória, etc.
// Quem chama trata erro como best-effort (não derruba request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
