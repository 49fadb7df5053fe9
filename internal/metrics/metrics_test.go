package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	ActionsOutcomeTotal.WithLabelValues("status_update", "delivered").Inc()
	SyncPassesTotal.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"driversync_sync_passes_total",
		"driversync_actions_outcome_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestRegister_twicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	defer func() {
		if recover() == nil {
			t.Error("registering twice on one registry should panic")
		}
	}()
	Register(reg)
}

func TestCounterLabels(t *testing.T) {
	before := testutil.ToFloat64(LocationSamplesTotal.WithLabelValues("throttled"))
	LocationSamplesTotal.WithLabelValues("throttled").Inc()

	if got := testutil.ToFloat64(LocationSamplesTotal.WithLabelValues("throttled")); got != before+1 {
		t.Errorf("throttled = %v, want %v", got, before+1)
	}
}
