package domain

import (
	"context"
	"errors"
)

// ErrNoSlot indica que nenhuma vaga foi obtida antes do ctx encerrar.
var ErrNoSlot = errors.New("ratelimit: no concurrency slot available")

// SlotPool representa um recurso com capacidade finita (requisições em voo).
//
// Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release; chamadas extras de release são ignoradas.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
	InUse() int
}
