package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type stubCalls map[string]int64

func (s stubCalls) CountByStatus(context.Context) (map[string]int64, error) { return s, nil }

type stubRecordings int64

func (s stubRecordings) CountRecorded(context.Context) (int64, error) { return int64(s), nil }

type stubConversations int

func (s stubConversations) ActiveConversations() int { return int(s) }

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	return byName
}

func TestCollectorGathersProviderValues(t *testing.T) {
	c := NewCollector(
		stubCalls{"completed": 3, "failed": 1},
		stubRecordings(2),
		stubConversations(4),
		nil,
		time.Now().Add(-time.Minute),
	)
	families := gather(t, c)

	calls, ok := families["storycall_calls_total"]
	if !ok {
		t.Fatal("storycall_calls_total not collected")
	}
	got := make(map[string]float64)
	for _, m := range calls.Metric {
		if len(m.Label) != 1 || m.Label[0].GetName() != "status" {
			t.Fatalf("unexpected labels: %v", m.Label)
		}
		got[m.Label[0].GetValue()] = m.Counter.GetValue()
	}
	if got["completed"] != 3 || got["failed"] != 1 {
		t.Errorf("call counts = %v, want completed=3 failed=1", got)
	}

	if rec := families["storycall_recordings_stored"]; rec == nil || rec.Metric[0].Gauge.GetValue() != 2 {
		t.Errorf("recordings gauge = %v, want 2", rec)
	}
	if convs := families["storycall_active_conversations"]; convs == nil || convs.Metric[0].Gauge.GetValue() != 4 {
		t.Errorf("conversations gauge = %v, want 4", convs)
	}
	if families["storycall_notification_queue_depth"] != nil {
		t.Error("queue depth collected despite nil provider")
	}
	if up := families["storycall_uptime_seconds"]; up == nil || up.Metric[0].Gauge.GetValue() <= 0 {
		t.Errorf("uptime gauge = %v, want positive", up)
	}
}

func TestCollectorAllProvidersNil(t *testing.T) {
	families := gather(t, NewCollector(nil, nil, nil, nil, time.Now()))
	if len(families) != 1 {
		t.Fatalf("collected %d families, want uptime only", len(families))
	}
	if families["storycall_uptime_seconds"] == nil {
		t.Fatal("uptime not collected")
	}
}
