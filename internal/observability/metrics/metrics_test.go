package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPipelineMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	m.ObserveInbound("buffered", 0.02)
	m.ObserveExtraction("AUDIO", "ok")
	m.ObserveFlush("stale")
	m.ObserveFlush("stale")
	m.ObserveFlush("replied")
	m.ObserveOutbound("reply", "sent")
	m.ObserveGeneration("ok", 1.2)

	snap, err := Snapshot(reg)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := snap["zapdesk_debounce_flush_total{stale}"]; got != 2 {
		t.Fatalf("expected 2 stale flushes, got %v", got)
	}
	if got := snap["zapdesk_outbound_total{reply,sent}"]; got != 1 {
		t.Fatalf("expected 1 sent reply, got %v", got)
	}
	if _, ok := snap["zapdesk_webhook_latency_seconds{buffered}"]; ok {
		t.Fatalf("histograms should not appear in the snapshot")
	}
}

func TestPipelineMetricsNilSafe(t *testing.T) {
	var m *PipelineMetrics
	m.ObserveInbound("ignored", 0.1)
	m.ObserveExtraction("TEXT", "ok")
	m.ObserveFlush("empty")
	m.ObserveOutbound("offline", "failed")
	m.ObserveGeneration("error", 0.1)
}
