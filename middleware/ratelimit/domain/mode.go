package domain

import "time"

// Mode é o estado da máquina do orquestrador.
type Mode int

const (
	// ModeShared: as decisões vêm do backend compartilhado (Redis).
	ModeShared Mode = iota
	// ModeLocal: backend compartilhado degradado, decisões vêm da memória do processo.
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeLocal:
		return "local"
	default:
		return "unknown"
	}
}

// ModeObserver recebe as transições de modo do orquestrador.
//
// Chamado fora do lock do orquestrador; implementações precisam ser seguras
// para uso concorrente e não devem bloquear.
type ModeObserver interface {
	ModeChanged(from, to Mode, at time.Time, cause error)
}

// SharedErrorObserver recebe todo erro do backend compartilhado, inclusive os
// que não mudam o modo (sonda que falha, falhas concorrentes à transição).
// probe indica se a chamada era a sonda de recuperação.
type SharedErrorObserver interface {
	SharedError(at time.Time, probe bool, cause error)
}
