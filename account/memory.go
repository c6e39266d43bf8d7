package account

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryStore é um Store em memória. Útil para testes e para rodar o gateway localmente
// a partir de um arquivo de fixtures.
type MemoryStore struct {
	mu            sync.RWMutex
	plans         map[string]Plan
	subscriptions map[string]Subscription // por api key

	defaultDuration  time.Duration
	defaultRateLimit int
}

type MemoryOption func(*MemoryStore)

// WithKeyDefaults define duração/limite usados quando o plano não especifica.
func WithKeyDefaults(duration time.Duration, rateLimit int) MemoryOption {
	return func(s *MemoryStore) {
		if duration > 0 {
			s.defaultDuration = duration
		}
		if rateLimit > 0 {
			s.defaultRateLimit = rateLimit
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		plans:            make(map[string]Plan),
		subscriptions:    make(map[string]Subscription),
		defaultDuration:  time.Hour,
		defaultRateLimit: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) PutPlan(p Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
}

func (s *MemoryStore) PutSubscription(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.APIKey] = sub
}

func (s *MemoryStore) RemoveSubscription(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, apiKey)
}

func (s *MemoryStore) ActiveKeys(_ context.Context) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KeyRecord, 0, len(s.subscriptions))
	for key, sub := range s.subscriptions {
		if !sub.IsActive {
			continue
		}
		rec := KeyRecord{APIKey: key, Duration: s.defaultDuration, RateLimit: s.defaultRateLimit}
		if p, ok := s.plans[sub.PlanID]; ok {
			if p.Duration > 0 {
				rec.Duration = p.Duration
			}
			if p.RateLimit > 0 {
				rec.RateLimit = p.RateLimit
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIKey < out[j].APIKey })
	return out, nil
}

func (s *MemoryStore) SubscriptionByKey(_ context.Context, apiKey string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[apiKey]
	if !ok {
		return nil, fmt.Errorf("subscription for key: %w", ErrNotFound)
	}
	return &sub, nil
}

func (s *MemoryStore) Plan(_ context.Context, planID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, fmt.Errorf("plan %q: %w", planID, ErrNotFound)
	}
	return &p, nil
}

type fixtures struct {
	Plans         []Plan         `yaml:"plans"`
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// LoadFile carrega planos e assinaturas de um arquivo YAML.
//
//	plans:
//	  - id: basic
//	    resources: [eod.all]
//	    rate_limit: 100
//	    duration: 1h
//	subscriptions:
//	  - id: s1
//	    api_key: demo
//	    plan_id: basic
//	    is_active: true
func LoadFile(path string, opts ...MemoryOption) (*MemoryStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return Load(raw, opts...)
}

func Load(raw []byte, opts ...MemoryOption) (*MemoryStore, error) {
	var fx fixtures
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}

	s := NewMemoryStore(opts...)
	for _, p := range fx.Plans {
		if p.ID == "" {
			return nil, errors.New("plan without id")
		}
		s.PutPlan(p)
	}
	for _, sub := range fx.Subscriptions {
		if sub.APIKey == "" {
			return nil, fmt.Errorf("subscription %q without api_key", sub.ID)
		}
		if _, ok := s.plans[sub.PlanID]; !ok {
			return nil, fmt.Errorf("subscription %q references unknown plan %q", sub.ID, sub.PlanID)
		}
		s.PutSubscription(sub)
	}
	return s, nil
}
