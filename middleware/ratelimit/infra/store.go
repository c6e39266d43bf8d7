package infra

import (
	"sync"
	"time"

	"findata-gateway/middleware/ratelimit/domain"

	"github.com/benbjohnson/clock"
)

// Store indexa janelas deslizantes por chave (IP do cliente ou domain.GlobalKey)
// com limpeza periódica de chaves ociosas.
type Store struct {
	mu           sync.Mutex
	entries      map[string]*storeEntry
	max          int
	window       time.Duration
	idleTTL      time.Duration
	cleanupEvery time.Duration
	clock        clock.Clock
}

type storeEntry struct {
	lim      *SlidingWindow
	lastSeen time.Time
}

type StoreOption func(*Store)

func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *Store) { s.cleanupEvery = d }
}

func WithClock(cl clock.Clock) StoreOption {
	return func(s *Store) { s.clock = cl }
}

// NewStore cria o índice. Cada chave aceita até max chamadas por window.
func NewStore(max int, window time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		entries:      make(map[string]*storeEntry),
		max:          max,
		window:       window,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		clock:        clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.idleTTL < s.window {
		s.idleTTL = s.window
	}
	return s
}

func (s *Store) Max() int                    { return s.max }
func (s *Store) Window() time.Duration       { return s.window }
func (s *Store) CleanupEvery() time.Duration { return s.cleanupEvery }

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get implementa domain.LimiterStore.
func (s *Store) Get(key domain.Key) domain.Limiter {
	return s.GetString(string(key))
}

func (s *Store) GetString(key string) *SlidingWindow {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := NewSlidingWindow(s.max, s.window, s.clock)
	s.entries[key] = &storeEntry{lim: lim, lastSeen: now}
	return lim
}

// Cleanup remove chaves sem uso há mais de idleTTL. Como idleTTL >= window, a janela
// descartada já estaria vazia.
func (s *Store) Cleanup() int {
	cutoff := s.clock.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *Store) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := s.clock.Ticker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
type DoneContext interface {
	Done() <-chan struct{}
}
