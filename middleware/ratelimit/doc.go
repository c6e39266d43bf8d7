// Package ratelimit fornece adapters HTTP (net/http) para o teto global de requisições
// e para o limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (decisão allow/throttle/reject, acquire/timeout) sem net/http
//   - infra: implementações concretas (janela deslizante, semáforo, stores de estatística)
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai a chave do cliente (IP/header/XFF) quando o limite é por IP
//  2. Chama a camada application para obter a decisão
//  3. Se o teto estourou, atrasa (delay) ou responde 429 (reject); sem vaga de concorrência, 503
//  4. Caso contrário, chama o próximo handler (admissão por chave, autorização, dispatch)
//
// O limite por API key não mora aqui: ele é do keycache, aplicado pela admissão.
package ratelimit
