package domain

import "time"

// Evaluate é o contador de janela fixa.
//
// Sem estado anterior, ou com a janela anterior expirada, abre uma janela nova
// em now. Em seguida conta a requisição atual, mesmo quando ela é negada: assim
// chamadas negadas repetidas não reabrem a janela.
//
// Janela fixa admite até 2*Limit requisições em torno da virada de janela
// (fim de uma + começo da próxima). É o custo aceito pela simplicidade.
func Evaluate(prev *WindowState, now time.Time, p Policy) (Decision, WindowState) {
	var st WindowState
	if prev == nil || prev.Window != p.Window || prev.ExpiredAt(now) {
		st = WindowState{Start: now, Window: p.Window}
	} else {
		st = *prev
	}
	st.Limit = p.Limit
	st.Count++

	return DecisionFromCount(st.Count, st.Start.Add(st.Window), now, p), st
}

// DecisionFromCount monta a decisão a partir de uma contagem já incrementada.
// Usado também pelo backend remoto, onde o incremento acontece no servidor.
func DecisionFromCount(count int, resetAt, now time.Time, p Policy) Decision {
	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	dec := Decision{
		Allowed:   count <= p.Limit,
		Remaining: remaining,
		Limit:     p.Limit,
		ResetAt:   resetAt,
	}
	if !dec.Allowed {
		dec.RetryAfter = resetAt.Sub(now)
		if dec.RetryAfter < time.Second {
			dec.RetryAfter = time.Second
		}
	}
	return dec
}
