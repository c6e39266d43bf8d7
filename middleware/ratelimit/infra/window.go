package infra

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SlidingWindow guarda os instantes das chamadas aceitas dentro da janela.
//
// Com max chamadas já na janela, IsLimitExceeded devolve true sem registrar a tentativa.
type SlidingWindow struct {
	mu     sync.Mutex
	clock  clock.Clock
	max    int
	window time.Duration
	hits   []time.Time
}

func NewSlidingWindow(max int, window time.Duration, cl clock.Clock) *SlidingWindow {
	if cl == nil {
		cl = clock.New()
	}
	return &SlidingWindow{clock: cl, max: max, window: window}
}

// IsLimitExceeded implementa domain.Limiter.
func (w *SlidingWindow) IsLimitExceeded() bool {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.trimLocked(now)
	if len(w.hits) >= w.max {
		return true
	}
	w.hits = append(w.hits, now)
	return false
}

// Len devolve quantas chamadas aceitas ainda estão dentro da janela.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked(w.clock.Now())
	return len(w.hits)
}

// hits está em ordem crescente: basta cortar o prefixo vencido.
func (w *SlidingWindow) trimLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.hits, w.hits[i:])
	w.hits = w.hits[:n]
}
