// Package apierror define a taxonomia de erros do gateway e a tradução para HTTP.
//
// Os componentes retornam (ou embrulham com %w) os sentinelas abaixo no ponto em que
// detectam o problema. Apenas a borda HTTP converte o erro em status + payload.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	// ErrInvalidKey: chave ausente mesmo após refresh forçado (401).
	ErrInvalidKey = errors.New("invalid api key")
	// ErrQuotaExceeded: limite da janela da chave atingido (429).
	ErrQuotaExceeded = errors.New("rate limit exceeded")
	// ErrNotAuthorized: chave válida, mas plano/assinatura não permite o recurso (403).
	ErrNotAuthorized = errors.New("not authorized")
	// ErrServiceUnavailable: breaker bloqueando ou dependência fora do ar (503).
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrUpstream: falha de transporte ao falar com o backend (502).
	ErrUpstream = errors.New("upstream unavailable")
)

// Status devolve o status HTTP e o texto de "detail" para um erro.
func Status(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrInvalidKey):
		return http.StatusUnauthorized, "Invalid API Key"
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests, "Rate limit exceeded"
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden, "Not Authorized"
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "Service Unavailable"
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway, "Bad Gateway"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// Reason é um rótulo curto e estável (baixa cardinalidade) para estatísticas/métricas.
func Reason(err error) string {
	switch {
	case err == nil:
		return "allowed"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "internal"
	}
}

type body struct {
	Detail string `json:"detail"`
}

// Write escreve {"detail": "..."} com o status correspondente ao erro.
func Write(w http.ResponseWriter, err error) {
	status, detail := Status(err)
	WriteDetail(w, status, detail)
}

// WriteDetail escreve um payload de erro com status explícito.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Detail: detail})
}
