package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"fmt"
	"time"
)

// Key identifica o "dono" da cota (ex: "ip:10.0.0.1", "user:42").
type Key string

// Source indica qual backend produziu a decisão.
type Source string

const (
	SourceShared Source = "shared"
	SourceLocal  Source = "local"
)

// DefaultWindow é a janela usada quando nenhuma é configurada.
const DefaultWindow = 60 * time.Second

// Policy é a configuração imutável de contagem: Limit requisições por Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Validate retorna ErrInvalidConfig quando os valores não fazem sentido.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0, got %d", ErrInvalidConfig, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidConfig, p.Window)
	}
	return nil
}

// WindowState é o registro de contagem de uma chave.
//
// Count nunca é negativo. Um estado cujo Start ficou Window ou mais para trás
// está expirado e é sempre substituído por uma janela nova antes de contar.
type WindowState struct {
	Start  time.Time
	Count  int
	Limit  int
	Window time.Duration
}

// ExpiredAt diz se a janela já terminou no instante now.
func (s WindowState) ExpiredAt(now time.Time) bool {
	return !now.Before(s.Start.Add(s.Window))
}

type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
	Source    Source
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}

// CounterStore aplica o contador de janela fixa sobre uma chave de forma atômica
// (ler, avaliar, gravar) e devolve a decisão.
//
// Implementações remotas devem envolver qualquer falha de rede, timeout ou
// resposta inválida em ErrBackendUnavailable. A implementação local nunca falha.
type CounterStore interface {
	GetAndUpdate(ctx context.Context, key Key, now time.Time, p Policy) (Decision, error)
}

// Clock abstrai o relógio para permitir testes determinísticos.
type Clock interface {
	Now() time.Time
}
