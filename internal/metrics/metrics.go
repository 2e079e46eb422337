// Package metrics exposes reception and ledger counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leonletto/sigrecv/internal/receiver"
	"github.com/leonletto/sigrecv/internal/types"
)

// Recorder holds the sigrecv collectors on its own registry.
type Recorder struct {
	registry  *prometheus.Registry
	envelopes *prometheus.CounterVec
	malformed *prometheus.CounterVec
	expired   *prometheus.CounterVec
	unmatched *prometheus.GaugeVec
	pending   *prometheus.GaugeVec
	sends     *prometheus.CounterVec
}

var _ receiver.Observer = (*Recorder)(nil)

// NewRecorder registers the collectors plus the Go runtime and process
// collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrecv_envelopes_total",
			Help: "Envelopes processed, by category.",
		}, []string{"account", "category"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrecv_malformed_envelopes_total",
			Help: "Inbound frames or envelopes skipped as malformed.",
		}, []string{"account"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrecv_expired_messages_total",
			Help: "Messages removed by the expiry sweep.",
		}, []string{"account"}),
		unmatched: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigrecv_unmatched_receipts",
			Help: "Receipt targets waiting for their message.",
		}, []string{"account"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigrecv_pending_reactions",
			Help: "Reactions waiting for their target message.",
		}, []string{"account"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigrecv_sends_total",
			Help: "Outbound requests, by method and outcome.",
		}, []string{"account", "method", "outcome"}),
	}
	r.registry.MustRegister(
		r.envelopes, r.malformed, r.expired, r.unmatched, r.pending, r.sends,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry backing Handler.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) EnvelopeProcessed(account string, kind types.Kind) {
	r.envelopes.WithLabelValues(account, string(kind)).Inc()
}

func (r *Recorder) EnvelopeMalformed(account string) {
	r.malformed.WithLabelValues(account).Inc()
}

func (r *Recorder) MessagesExpired(account string, n int) {
	r.expired.WithLabelValues(account).Add(float64(n))
}

func (r *Recorder) BuffersChanged(account string, unmatched, pending int) {
	r.unmatched.WithLabelValues(account).Set(float64(unmatched))
	r.pending.WithLabelValues(account).Set(float64(pending))
}

// SendFinished counts one outbound request.
func (r *Recorder) SendFinished(account, method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.sends.WithLabelValues(account, method, outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics until ctx is canceled.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}
