// Package domain define contratos e tipos de domínio para o limite global, a
// concorrência e as estatísticas de admissão.
//
// Este pacote não depende de net/http nem de implementações concretas.
package domain
