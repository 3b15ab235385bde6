// Package domain define contratos e tipos de domínio do rate limit.
//
// Este pacote não depende de net/http nem de implementações concretas.
// O algoritmo de contagem (janela fixa) vive aqui como função pura, para que
// possa ser testado sem relógio real, sem Redis e sem locks.
package domain
