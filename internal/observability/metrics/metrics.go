package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics exposes counters/histograms for the messaging pipeline.
type PipelineMetrics struct {
	inboundTotal     *prometheus.CounterVec
	batchesTotal     *prometheus.CounterVec
	batchSize        prometheus.Histogram
	transportState   *prometheus.CounterVec
	reconnectsTotal  prometheus.Counter
	breakerOpenTotal *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	pacedChunksTotal prometheus.Counter
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapdesk",
			Subsystem: "pipeline",
			Name:      "inbound_events_total",
			Help:      "Normalized inbound events by kind and transport",
		}, []string{"kind", "transport"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapdesk",
			Subsystem: "pipeline",
			Name:      "batches_flushed_total",
			Help:      "Conversation batches handed to the callback, by flush reason",
		}, []string{"reason"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zapdesk",
			Subsystem: "pipeline",
			Name:      "batch_size_events",
			Help:      "Events per flushed batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15},
		}),
		transportState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapdesk",
			Subsystem: "transport",
			Name:      "state_transitions_total",
			Help:      "Transport session state transitions",
		}, []string{"state"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zapdesk",
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after unexpected closes",
		}),
		breakerOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapdesk",
			Subsystem: "transport",
			Name:      "breaker_open_total",
			Help:      "Circuit breaker open events by cooldown class",
		}, []string{"cooldown"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapdesk",
			Subsystem: "dispatch",
			Name:      "sends_total",
			Help:      "Dispatch results by path and outcome",
		}, []string{"path", "outcome"}),
		pacedChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zapdesk",
			Subsystem: "dispatch",
			Name:      "paced_chunks_total",
			Help:      "Outbound chunks produced by the pacing layer",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.inboundTotal,
		m.batchesTotal,
		m.batchSize,
		m.transportState,
		m.reconnectsTotal,
		m.breakerOpenTotal,
		m.dispatchTotal,
		m.pacedChunksTotal,
	)
	return m
}

func (m *PipelineMetrics) ObserveInbound(kind, transport string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(kind, transport).Inc()
}

func (m *PipelineMetrics) ObserveBatchFlushed(reason string, size int) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(reason).Inc()
	m.batchSize.Observe(float64(size))
}

func (m *PipelineMetrics) ObserveTransportState(state string) {
	if m == nil {
		return
	}
	m.transportState.WithLabelValues(state).Inc()
}

func (m *PipelineMetrics) ObserveReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *PipelineMetrics) ObserveBreakerOpen(cooldown string) {
	if m == nil {
		return
	}
	m.breakerOpenTotal.WithLabelValues(cooldown).Inc()
}

func (m *PipelineMetrics) ObserveDispatch(path, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(path, outcome).Inc()
}

func (m *PipelineMetrics) ObservePacedChunk() {
	if m == nil {
		return
	}
	m.pacedChunksTotal.Inc()
}
