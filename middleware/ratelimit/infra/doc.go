// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - SlidingWindow/Store: teto global por janela deslizante, único ou indexado por IP
//   - ChanPool: semáforo simples para limite de concorrência
//   - *StatsStore: estatísticas de admissão em memória, Redis ou Prometheus
package infra
