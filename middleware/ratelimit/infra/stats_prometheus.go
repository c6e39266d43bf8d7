package infra

import (
	"context"
	"strconv"

	"findata-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStatsStore expõe os desfechos de admissão como contador.
//
// Labels: allowed, reason. Key e Path ficam de fora por cardinalidade.
type PrometheusStatsStore struct {
	outcomes *prometheus.CounterVec
}

func NewPrometheusStatsStore(reg prometheus.Registerer, namespace string) (*PrometheusStatsStore, error) {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_total",
		Help:      "Admission outcomes by decision and reason.",
	}, []string{"allowed", "reason"})
	if err := reg.Register(outcomes); err != nil {
		return nil, err
	}
	return &PrometheusStatsStore{outcomes: outcomes}, nil
}

func (s *PrometheusStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	reason := ev.Reason
	if reason == "" {
		reason = "unknown"
	}
	s.outcomes.WithLabelValues(strconv.FormatBool(ev.Allowed), reason).Inc()
	return nil
}

// Counter devolve o contador de uma combinação de labels (usado em testes e no admin).
func (s *PrometheusStatsStore) Counter(allowed bool, reason string) prometheus.Counter {
	return s.outcomes.WithLabelValues(strconv.FormatBool(allowed), reason)
}
