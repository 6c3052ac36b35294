package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"fwsim/conntrack"
)

// Metrics are registered on a registry owned by the engine, so several engines can live in one process.
type Metrics struct {
	Registry        *prometheus.Registry
	Decisions       *prometheus.CounterVec
	NatTranslations prometheus.Counter
	SignatureHits   *prometheus.CounterVec
	Connections     prometheus.GaugeFunc
}

func newMetrics(conns *conntrack.Table) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwsim_decisions_total",
			Help: "Packets decided, by action and by what decided them (stateful, rule, default).",
		}, []string{"action", "source"}),
		NatTranslations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwsim_nat_translations_total",
			Help: "Packets whose destination was rewritten by a NAT mapping.",
		}),
		SignatureHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwsim_signature_hits_total",
			Help: "Payloads flagged by the signature scanner.",
		}, []string{"signature"}),
		Connections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fwsim_conntrack_entries",
			Help: "Entries in the connection table.",
		}, func() float64 { return float64(conns.Len()) }),
	}
	m.Registry.MustRegister(m.Decisions, m.NatTranslations, m.SignatureHits, m.Connections)
	return m
}

func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// ServeMetrics serves /metrics on addr until ctx is done.
func (e *Engine) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
