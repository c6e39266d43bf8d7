package infra

import (
	"context"
	"maps"
	"strings"
	"sync"

	"findata-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// StatsSnapshot é a cópia servida pelo endpoint de administração.
type StatsSnapshot struct {
	Total    Counters            `json:"total"`
	ByRoute  map[string]Counters `json:"by_route"`
	ByReason map[string]int64    `json:"by_reason"`
	ByKey    map[string]Counters `json:"by_key,omitempty"`
}

// OtherRoute recebe as rotas que passam do limite de WithMaxRoutes.
const OtherRoute = "other"

// MemoryStatsStore é uma implementação simples em memória.
//
// Não faz expiração; contadores por chave só existem com WithTrackKeys(true).
// Rotas e chaves distintas são limitadas por WithMaxRoutes; o excedente vai para "other".
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byRoute  map[string]Counters
	byReason map[string]int64
	byKey    map[string]Counters

	trackKeys bool
	maxRoutes int
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

// WithMaxRoutes limita as entradas distintas por rota e por chave (padrão 1024).
func WithMaxRoutes(n int) MemoryStatsOption {
	return func(s *MemoryStatsStore) {
		if n > 0 {
			s.maxRoutes = n
		}
	}
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute:  make(map[string]Counters),
		byReason: make(map[string]int64),
		byKey:    make(map[string]Counters),

		maxRoutes: 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := strings.TrimSpace(ev.Method + " " + ev.Path)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	bump(s.byRoute, route, ev.Allowed, s.maxRoutes)

	if ev.Reason != "" {
		s.byReason[ev.Reason]++
	}

	if s.trackKeys {
		bump(s.byKey, string(ev.Key), ev.Allowed, s.maxRoutes)
	}
	return nil
}

func bump(m map[string]Counters, k string, allowed bool, limit int) {
	if _, ok := m[k]; !ok && len(m) >= limit {
		k = OtherRoute
	}
	c := m[k]
	c.add(allowed)
	m[k] = c
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byRoute)
}

func (s *MemoryStatsStore) ByReason() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byReason)
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byKey)
}

func (s *MemoryStatsStore) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Total:    s.total,
		ByRoute:  maps.Clone(s.byRoute),
		ByReason: maps.Clone(s.byReason),
	}
	if s.trackKeys {
		snap.ByKey = maps.Clone(s.byKey)
	}
	return snap
}
