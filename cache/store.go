// Package cache implementa um cache chave-valor com TTL e tamanho limitado,
// com store em memória e store remoto (Redis) opcional.
//
// Valores são serializados em JSON na escrita. Falhas do store remoto nunca chegam
// ao chamador: a operação cai para o store em memória e o problema é apenas logado.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Store é o contrato comum dos stores (memória e remoto). Valores já serializados.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set sobrescreve. ttl <= 0 significa sem expiração.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// RemoteStore é um Store que pode ser verificado na construção do Cache.
type RemoteStore interface {
	Store
	Ping(ctx context.Context) error
}

type memEntry struct {
	value     []byte
	createdAt time.Time
	ttl       time.Duration
}

// MemoryStore é limitado a maxSize entradas. Quando cheio, a entrada mais antiga
// (por instante de escrita) é removida antes de inserir a nova.
//
// Leituras usam Peek e não mexem na ordem, então a ordem da LRU é a ordem de escrita.
type MemoryStore struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, memEntry]
	clock clock.Clock

	evictions int64
}

type MemoryOption func(*MemoryStore)

func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = c }
}

func NewMemoryStore(maxSize int, opts ...MemoryOption) (*MemoryStore, error) {
	s := &MemoryStore{clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	l, err := simplelru.NewLRU[string, memEntry](maxSize, nil)
	if err != nil {
		return nil, err
	}
	s.lru = l
	return s, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Peek(key)
	if !ok {
		return nil, false, nil
	}
	if e.ttl > 0 && s.clock.Since(e.createdAt) >= e.ttl {
		s.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lru.Add(key, memEntry{value: value, createdAt: s.clock.Now(), ttl: ttl}) {
		s.evictions++
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
	return nil
}

// Len inclui entradas expiradas ainda não lidas.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *MemoryStore) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}
