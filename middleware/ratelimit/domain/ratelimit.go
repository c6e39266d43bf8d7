package domain

// Camada de domínio do limite global.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import "time"

// Key identifica a origem limitada. Vazia significa o limiter global do processo.
type Key string

// GlobalKey é a chave usada quando o limite não é por IP.
const GlobalKey Key = ""

// Limiter decide se o teto agregado foi atingido.
//
// IsLimitExceeded registra a chamada quando ela cabe na janela. Chamadas acima do teto
// não são registradas.
type Limiter interface {
	IsLimitExceeded() bool
}

// LimiterStore obtém um limiter por chave (global ou por IP).
// A implementação pode manter cache, TTL, etc.
type LimiterStore interface {
	Get(Key) Limiter
}

// ThrottleMode define o que acontece quando o teto global estoura.
type ThrottleMode int

const (
	// ThrottleDelay segura a requisição por um tempo fixo e depois deixa seguir.
	ThrottleDelay ThrottleMode = iota
	// ThrottleReject responde 429 com Retry-After.
	ThrottleReject
)

func (m ThrottleMode) String() string {
	if m == ThrottleReject {
		return "reject"
	}
	return "delay"
}

// ParseThrottleMode aceita "delay" e "reject"; qualquer outro valor vira delay.
func ParseThrottleMode(s string) ThrottleMode {
	if s == "reject" {
		return ThrottleReject
	}
	return ThrottleDelay
}

type Decision struct {
	Allowed bool
	// Throttled indica que o teto estourou (mesmo quando Allowed=true no modo delay).
	Throttled bool
	// Delay é quanto segurar a requisição antes de seguir (modo delay).
	Delay time.Duration
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	RetryAfter time.Duration
}
