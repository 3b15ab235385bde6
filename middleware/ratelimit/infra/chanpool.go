package infra

import (
	"context"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

type chanPool struct {
	sem chan struct{}
}

// NewChanPool cria um pool simples baseado em channel com capacidade `max`.
// Com max <= 0 retorna nil (sem limite); quem usa deve tratar pool nil como "livre".
func NewChanPool(max int) domain.SlotPool {
	if max <= 0 {
		return nil
	}
	return &chanPool{sem: make(chan struct{}, max)}
}

// Acquire nunca devolve release nil quando ok=true, e o release é idempotente
// para que um defer duplo (timeout + caminho normal) não libere duas vagas.
func (p *chanPool) Acquire(ctx context.Context) (func(), bool) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, false
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-p.sem
	}, true
}
