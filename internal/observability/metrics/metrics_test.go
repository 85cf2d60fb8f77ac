package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSyncMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)
	m.ObserveSync("create", "synced")
	m.ObserveSync("create", "synced")
	m.ObserveSync("create", "rejected")
	m.ObserveERPLatency("create", "ok", 0.25)
	m.ObserveReplay("resolved")
	m.ObserveProjection("week", 2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	ops := byName["agenda_sync_operations_total"]
	if ops == nil {
		t.Fatal("operations counter not registered")
	}
	var synced float64
	for _, metric := range ops.GetMetric() {
		labels := map[string]string{}
		for _, l := range metric.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["operation"] == "create" && labels["outcome"] == "synced" {
			synced = metric.GetCounter().GetValue()
		}
	}
	if synced != 2 {
		t.Fatalf("expected 2 synced creates, got %v", synced)
	}

	excluded := byName["agenda_calendar_excluded_records_total"]
	if excluded == nil || excluded.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("unexpected excluded counter: %v", excluded)
	}
	if byName["agenda_erp_call_latency_seconds"].GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatal("expected one latency sample")
	}
}

func TestSyncMetricsNilSafe(t *testing.T) {
	var m *SyncMetrics
	m.ObserveSync("create", "synced")
	m.ObserveERPLatency("create", "ok", 0.1)
	m.ObserveReplay("failed")
	m.ObserveProjection("day", 1)
}
