package metricsink

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheus(WithRegisterer(reg), WithNamespace("picker"))

	sink.IncCounter("sessions_created", nil)
	sink.IncCounter("sessions_created", nil)
	sink.IncCounter("session_data_put_rejected", map[string]string{"reason": "too_large"})

	expected := strings.NewReader(`# HELP picker_sessions_created sessions created
# TYPE picker_sessions_created counter
picker_sessions_created 2
`)
	if err := testutil.GatherAndCompare(reg, expected, "picker_sessions_created"); err != nil {
		t.Fatal(err)
	}

	expected = strings.NewReader(`# HELP picker_session_data_put_rejected session data put rejected
# TYPE picker_session_data_put_rejected counter
picker_session_data_put_rejected{reason="too_large"} 1
`)
	if err := testutil.GatherAndCompare(reg, expected, "picker_session_data_put_rejected"); err != nil {
		t.Fatal(err)
	}
}

func TestPrometheus_LabelCoercion(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheus(WithRegisterer(reg))

	// First sight fixes the label set; a later call with different tags
	// must still land instead of panicking.
	sink.IncCounter("fenced", map[string]string{"reason": "ttl"})
	sink.IncCounter("fenced", map[string]string{"cause": "lifetime"})

	n, err := testutil.GatherAndCount(reg, "fenced")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 series, got %d", n)
	}

	expected := strings.NewReader(`# HELP fenced fenced
# TYPE fenced counter
fenced{reason=""} 1
fenced{reason="ttl"} 1
`)
	if err := testutil.GatherAndCompare(reg, expected, "fenced"); err != nil {
		t.Fatal(err)
	}
}

func TestPrometheus_Histograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheus(WithRegisterer(reg), WithNamespace("picker"), WithBuckets([]float64{0.1, 1}))

	sink.ObserveHistogram("request_duration_seconds", 0.05, map[string]string{"method": "media/list"})
	sink.ObserveHistogram("request_duration_seconds", 0.5, map[string]string{"method": "media/read"})

	n, err := testutil.GatherAndCount(reg, "picker_request_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 series, got %d", n)
	}
}

func TestPrometheus_SharedRegistryConverges(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheus(WithRegisterer(reg))
	b := NewPrometheus(WithRegisterer(reg))

	a.IncCounter("sessions_created", nil)
	b.IncCounter("sessions_created", nil)

	expected := strings.NewReader(`# HELP sessions_created sessions created
# TYPE sessions_created counter
sessions_created 2
`)
	if err := testutil.GatherAndCompare(reg, expected, "sessions_created"); err != nil {
		t.Fatal(err)
	}
}
