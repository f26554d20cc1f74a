package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"assetescrow/core/events"
)

func TestEventMetricsCountByType(t *testing.T) {
	m := newEventMetrics(prometheus.NewRegistry())
	m.Emit(&events.Record{Type: "escrow.funds_received"})
	m.Emit(&events.Record{Type: "escrow.funds_received"})
	m.Emit(&events.Record{Type: ""})
	m.Emit(nil)

	if got := testutil.ToFloat64(m.emitted.WithLabelValues("escrow.funds_received")); got != 2 {
		t.Fatalf("funds_received count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.emitted.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("unknown count = %v, want 1", got)
	}
}

func TestAPIObserveSplitsOutcome(t *testing.T) {
	m := API()
	m.Observe("/v1/payments", "POST", 201, time.Millisecond)
	m.Observe("/v1/payments", "POST", 409, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("/v1/payments", "POST", "409")); got != 1 {
		t.Fatalf("error count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/v1/payments", "POST", "success")); got != 1 {
		t.Fatalf("success count = %v, want 1", got)
	}
}
