// utilitários pequenos para formatação consistente de valores em headers.

package ratelimit

import (
	"strconv"
	"time"
)

func formatInt(v int) string { return strconv.Itoa(v) }

// formatUnixCeil arredonda para cima: o cliente nunca vê um reset anterior ao real.
func formatUnixCeil(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return strconv.FormatInt(sec, 10)
}

// ceilSeconds converte para segundos inteiros, nunca menos que 1.
func ceilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
