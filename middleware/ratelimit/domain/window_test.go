package domain

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestEvaluate_FivePerMinuteScenario(t *testing.T) {
	p := Policy{Limit: 5, Window: 60 * time.Second}

	var st *WindowState
	for i, want := range []int{4, 3, 2, 1, 0} {
		dec, next := Evaluate(st, at(i), p)
		if !dec.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
		if dec.Remaining != want {
			t.Fatalf("call %d: expected remaining=%d, got %d", i+1, want, dec.Remaining)
		}
		if !dec.ResetAt.Equal(at(60)) {
			t.Fatalf("call %d: expected resetAt=%s, got %s", i+1, at(60), dec.ResetAt)
		}
		st = &next
	}

	dec, next := Evaluate(st, at(5), p)
	if dec.Allowed {
		t.Fatalf("sixth call: expected denied")
	}
	if dec.Remaining != 0 {
		t.Fatalf("sixth call: expected remaining=0, got %d", dec.Remaining)
	}
	if dec.RetryAfter != 55*time.Second {
		t.Fatalf("sixth call: expected RetryAfter=55s, got %s", dec.RetryAfter)
	}
	st = &next

	dec, next = Evaluate(st, at(61), p)
	if !dec.Allowed || dec.Remaining != 4 {
		t.Fatalf("new window: expected allowed with remaining=4, got %+v", dec)
	}
	if next.Count != 1 || !next.Start.Equal(at(61)) {
		t.Fatalf("new window: expected count=1 starting at t=61, got %+v", next)
	}
}

func TestEvaluate_LimitPlusOneIsDenied(t *testing.T) {
	for _, limit := range []int{1, 2, 7, 100} {
		p := Policy{Limit: limit, Window: time.Minute}
		var st *WindowState
		for i := 0; i < limit; i++ {
			dec, next := Evaluate(st, t0, p)
			if !dec.Allowed {
				t.Fatalf("limit=%d call %d: expected allowed", limit, i+1)
			}
			st = &next
		}
		dec, _ := Evaluate(st, t0, p)
		if dec.Allowed {
			t.Fatalf("limit=%d: expected call %d denied", limit, limit+1)
		}
	}
}

func TestEvaluate_DeniedCallsStillCountAndKeepWindow(t *testing.T) {
	p := Policy{Limit: 1, Window: 10 * time.Second}

	_, st := Evaluate(nil, at(0), p)
	for i := 1; i < 9; i++ {
		dec, next := Evaluate(&st, at(i), p)
		if dec.Allowed {
			t.Fatalf("t=%d: expected denied", i)
		}
		st = next
	}
	if st.Count != 9 {
		t.Fatalf("expected count=9, got %d", st.Count)
	}
	if !st.Start.Equal(at(0)) {
		t.Fatalf("expected window to stay at t=0, got %s", st.Start)
	}
}

func TestEvaluate_RemainingNeverNegative(t *testing.T) {
	p := Policy{Limit: 3, Window: time.Minute}

	var st *WindowState
	for i := 0; i < 20; i++ {
		dec, next := Evaluate(st, t0, p)
		want := p.Limit - next.Count
		if want < 0 {
			want = 0
		}
		if dec.Remaining != want {
			t.Fatalf("call %d: expected remaining=%d, got %d", i+1, want, dec.Remaining)
		}
		st = &next
	}
}

func TestEvaluate_ExactWindowBoundaryStartsFresh(t *testing.T) {
	p := Policy{Limit: 2, Window: 60 * time.Second}

	_, st := Evaluate(nil, at(0), p)
	_, st = Evaluate(&st, at(1), p)

	dec, next := Evaluate(&st, at(60), p)
	if !dec.Allowed || next.Count != 1 {
		t.Fatalf("expected fresh window at now-start == window, got dec=%+v state=%+v", dec, next)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "ok", policy: Policy{Limit: 60, Window: time.Minute}},
		{name: "zero limit", policy: Policy{Limit: 0, Window: time.Minute}, wantErr: true},
		{name: "negative limit", policy: Policy{Limit: -1, Window: time.Minute}, wantErr: true},
		{name: "zero window", policy: Policy{Limit: 1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
