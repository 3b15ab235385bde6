package infra

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// PrometheusStats expõe as decisões e as transições de backend como métricas.
// Implementa domain.StatsStore, domain.ModeObserver e domain.SharedErrorObserver.
type PrometheusStats struct {
	Decisions    *prometheus.CounterVec
	Mode         prometheus.Gauge
	Transitions  *prometheus.CounterVec
	SharedErrors *prometheus.CounterVec
}

type PrometheusOption func(reg prometheus.Registerer)

// WithLocalKeysGauge registra um gauge com o número de chaves do LocalStore.
func WithLocalKeysGauge(local *LocalStore) PrometheusOption {
	return func(reg prometheus.Registerer) {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "ratelimit",
				Name:      "local_keys",
				Help:      "Number of keys tracked by the in-process fallback store",
			},
			func() float64 { return float64(local.Size()) },
		)
	}
}

func NewPrometheusStats(reg prometheus.Registerer, opts ...PrometheusOption) *PrometheusStats {
	m := &PrometheusStats{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by backend and result",
			},
			[]string{"source", "result"}, // source=shared/local, result=allowed/denied
		),
		Mode: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ratelimit",
				Name:      "degraded",
				Help:      "1 while decisions are served by the local fallback, 0 otherwise",
			},
		),
		Transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratelimit",
				Name:      "mode_transitions_total",
				Help:      "Backend mode transitions",
			},
			[]string{"to"},
		),
		SharedErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratelimit",
				Name:      "shared_errors_total",
				Help:      "Errors returned by the shared store, including failed recovery probes",
			},
			[]string{"call"}, // call=request/probe
		),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return m
}

func (m *PrometheusStats) Record(_ context.Context, ev domain.StatsEvent) error {
	result := "denied"
	if ev.Allowed {
		result = "allowed"
	}
	source := string(ev.Source)
	if source == "" {
		source = "unknown"
	}
	m.Decisions.WithLabelValues(source, result).Inc()
	return nil
}

func (m *PrometheusStats) ModeChanged(_, to domain.Mode, _ time.Time, _ error) {
	m.Transitions.WithLabelValues(to.String()).Inc()
	if to == domain.ModeLocal {
		m.Mode.Set(1)
		return
	}
	m.Mode.Set(0)
}

func (m *PrometheusStats) SharedError(_ time.Time, probe bool, _ error) {
	call := "request"
	if probe {
		call = "probe"
	}
	m.SharedErrors.WithLabelValues(call).Inc()
}

var (
	_ domain.StatsStore          = (*PrometheusStats)(nil)
	_ domain.ModeObserver        = (*PrometheusStats)(nil)
	_ domain.SharedErrorObserver = (*PrometheusStats)(nil)
)
