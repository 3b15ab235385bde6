// Package ratelimit fornece adapters HTTP (net/http) para rate limit e limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos, tipos e o contador de janela fixa (sem net/http)
//   - application: orquestrador Service (Redis com fallback local) e acquire/timeout
//   - infra: LocalStore, RedisStore, pool de vagas e sinks de estatísticas
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai a chave do cliente (usuário autenticado, header, IP/XFF)
//  2. Chama Service.Check, que tenta o Redis e cai para a memória local se ele falhar
//  3. Escreve X-RateLimit-Limit / X-RateLimit-Remaining / X-RateLimit-Reset sempre
//  4. Se bloqueado, responde 429 com corpo JSON e Retry-After
//  5. Se permitido, chama o próximo handler (ex: reverse proxy)
//
// Falha de infraestrutura nunca vira 429: no pior caso o limite passa a valer
// por processo até o Redis voltar.
package ratelimit
