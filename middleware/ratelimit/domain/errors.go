package domain

import "errors"

var (
	// ErrBackendUnavailable cobre erro de rede, timeout ou resposta malformada
	// do backend compartilhado. Nunca chega ao cliente final: o orquestrador
	// absorve e cai para o backend local.
	ErrBackendUnavailable = errors.New("ratelimit: backend unavailable")

	// ErrInvalidConfig é fatal na inicialização (limite/janela inválidos etc).
	ErrInvalidConfig = errors.New("ratelimit: invalid configuration")

	// ErrNoKey indica que não foi possível derivar uma chave da requisição.
	ErrNoKey = errors.New("ratelimit: no key derivable from request")
)
