package infra

import (
	"context"

	"findata-gateway/middleware/ratelimit/domain"

	"go.uber.org/multierr"
)

// MultiStats repassa cada evento para todos os stores e junta os erros.
type MultiStats []domain.StatsStore

// NewMultiStats ignora stores nil. Devolve nil quando não sobra nenhum.
func NewMultiStats(stores ...domain.StatsStore) domain.StatsStore {
	out := make(MultiStats, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

func (m MultiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Record(ctx, ev))
	}
	return err
}
