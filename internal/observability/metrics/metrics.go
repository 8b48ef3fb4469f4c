package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "zapdesk"

// PipelineMetrics exposes counters/histograms for the inbound pipeline.
type PipelineMetrics struct {
	inboundTotal      *prometheus.CounterVec
	webhookLatency    *prometheus.HistogramVec
	extractionTotal   *prometheus.CounterVec
	flushTotal        *prometheus.CounterVec
	outboundTotal     *prometheus.CounterVec
	generationLatency *prometheus.HistogramVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Inbound gateway webhooks by outcome",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		extractionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "extraction_total",
			Help:      "Content extractions by message kind and result",
		}, []string{"kind", "result"}),
		flushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "debounce",
			Name:      "flush_total",
			Help:      "Delayed flush checks by result",
		}, []string{"result"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "total",
			Help:      "Outbound sends by reply kind and status",
		}, []string{"kind", "status"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assistant",
			Name:      "generation_latency_seconds",
			Help:      "Latency of AI reply generation",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.webhookLatency, m.extractionTotal, m.flushTotal, m.outboundTotal, m.generationLatency)
	return m
}

func (m *PipelineMetrics) ObserveInbound(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(outcome).Inc()
	m.webhookLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *PipelineMetrics) ObserveExtraction(kind, result string) {
	if m == nil {
		return
	}
	m.extractionTotal.WithLabelValues(kind, result).Inc()
}

func (m *PipelineMetrics) ObserveFlush(result string) {
	if m == nil {
		return
	}
	m.flushTotal.WithLabelValues(result).Inc()
}

func (m *PipelineMetrics) ObserveOutbound(kind, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *PipelineMetrics) ObserveGeneration(status string, seconds float64) {
	if m == nil {
		return
	}
	m.generationLatency.WithLabelValues(status).Observe(seconds)
}

// Snapshot sums every zapdesk counter in the gatherer, keyed by metric name
// plus its sorted label values, e.g. "zapdesk_debounce_flush_total{replied}".
func Snapshot(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER || !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			out[seriesKey(mf.GetName(), metric.GetLabel())] += metric.GetCounter().GetValue()
		}
	}
	return out, nil
}

func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	values := make([]string, 0, len(labels))
	for _, lp := range labels {
		values = append(values, lp.GetValue())
	}
	return name + "{" + strings.Join(values, ",") + "}"
}
