// Package metrics wires Prometheus counters and gauges for the durable-state
// substrate. It observes; it never gates behavior, so every component takes
// a Recorder interface and a Noop() implementation satisfies it identically
// for tests and for callers who don't want Prometheus wired at all.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the narrow surface every component depends on. Concrete
// implementations are either *Prometheus or Noop.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, seconds float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Prometheus records into a registry of the named metrics this module emits.
type Prometheus struct {
	registry    *prometheus.Registry
	counters    map[string]*prometheus.CounterVec
	histograms  map[string]*prometheus.HistogramVec
	gauges      map[string]*prometheus.GaugeVec
}

// NewPrometheus builds a Recorder registered against reg with the fixed set
// of substrate metrics: WAL appends/rotations, audit appends/rotations/chain
// breaks, store writes/recoveries/quarantines, idempotency
// evictions/reconciliations, scheduler tick outcomes, and WAL cursor lag.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	p := &Prometheus{
		registry:   reg,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
	}

	p.counter("wal_appends_total", "op")
	p.counter("wal_rotations_total")
	p.counter("audit_appends_total", "phase")
	p.counter("audit_rotations_total")
	p.counter("audit_chain_breaks_total")
	p.counter("store_writes_total", "name")
	p.counter("store_recoveries_total", "name", "source")
	p.counter("store_quarantines_total", "name")
	p.counter("idempotency_evictions_total")
	p.counter("idempotency_reconciliations_total", "outcome")
	p.counter("scheduler_ticks_total", "task", "outcome")
	p.gauge("wal_cursor_lag_seconds", "cursor")

	return p
}

func (p *Prometheus) counter(name string, labels ...string) {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "substrate_" + name,
		Help: name,
	}, labels)
	p.registry.MustRegister(cv)
	p.counters[name] = cv
}

func (p *Prometheus) gauge(name string, labels ...string) {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "substrate_" + name,
		Help: name,
	}, labels)
	p.registry.MustRegister(gv)
	p.gauges[name] = gv
}

// IncCounter increments the named counter with the given label values.
func (p *Prometheus) IncCounter(name string, labels map[string]string) {
	cv, ok := p.counters[name]
	if !ok {
		return
	}
	cv.With(labels).Inc()
}

// ObserveHistogram is a no-op placeholder for future latency histograms; none
// of the current components need one, so the map stays empty.
func (p *Prometheus) ObserveHistogram(name string, seconds float64, labels map[string]string) {
	hv, ok := p.histograms[name]
	if !ok {
		return
	}
	hv.With(labels).Observe(seconds)
}

// SetGauge sets the named gauge with the given label values.
func (p *Prometheus) SetGauge(name string, value float64, labels map[string]string) {
	gv, ok := p.gauges[name]
	if !ok {
		return
	}
	gv.With(labels).Set(value)
}

// noop satisfies Recorder without recording anything.
type noop struct{}

// Noop returns a Recorder that discards every observation.
func Noop() Recorder { return noop{} }

func (noop) IncCounter(string, map[string]string)                 {}
func (noop) ObserveHistogram(string, float64, map[string]string)  {}
func (noop) SetGauge(string, float64, map[string]string)          {}
