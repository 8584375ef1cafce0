// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "purchase_engine"

// Prometheus implements port.Metrics on its own registry.
type Prometheus struct {
	registry  *prometheus.Registry
	created   *prometheus.CounterVec
	cancelled prometheus.Counter
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_created_total",
			Help:      "Committed purchases.",
		}, []string{"discounted"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_cancelled_total",
			Help:      "Committed cancellations.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed engine operations by failure kind.",
		}, []string{"op", "kind"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Units of work retried after a concurrency conflict.",
		}, []string{"op"}),
	}

	p.registry.MustRegister(
		p.created, p.cancelled, p.failed, p.retried,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) PurchaseCreated(discounted bool) {
	p.created.WithLabelValues(strconv.FormatBool(discounted)).Inc()
}

func (p *Prometheus) PurchaseCancelled() {
	p.cancelled.Inc()
}

func (p *Prometheus) OperationFailed(op string, kind error) {
	label := "unknown"
	if kind != nil {
		label = strings.ReplaceAll(kind.Error(), " ", "_")
	}
	p.failed.WithLabelValues(op, label).Inc()
}

func (p *Prometheus) ConflictRetried(op string) {
	p.retried.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
