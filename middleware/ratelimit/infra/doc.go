// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - LocalStore: janela fixa por chave em memória, lock por chave e janitor
//   - RedisStore: janela fixa no Redis (INCR + PEXPIRE só na criação, via Lua)
//   - ChanPool: semáforo simples para limitar concorrência
//   - MemoryStatsStore / RedisStatsStore / PrometheusStats: sinks de estatísticas
package infra
