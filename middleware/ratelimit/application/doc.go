// Package application contém os casos de uso do limite global e da concorrência.
//
// Aqui ficam as regras (decisão allow/throttle/reject, acquire com timeout)
// sem conhecer net/http.
package application
