package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func expectNone(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

// TestMonitor_edges verifies one event per offline/online flip.
func TestMonitor_edges(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	if m.IsOnline() {
		t.Fatal("monitor should start offline")
	}

	m.Report(Status{Online: true, Transport: TransportWiFi})
	ev := receive(t, ch)
	if !ev.Online || ev.Transport != TransportWiFi {
		t.Errorf("event = %+v, want online over wifi", ev)
	}
	if !m.IsOnline() {
		t.Error("IsOnline() = false after online report")
	}

	m.Report(Status{Online: false, Transport: TransportNone})
	if ev := receive(t, ch); ev.Online {
		t.Errorf("event = %+v, want offline", ev)
	}
}

// TestMonitor_transportChangeWhileOnline verifies wifi to cellular is silent.
func TestMonitor_transportChangeWhileOnline(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	m.Report(Status{Online: true, Transport: TransportWiFi})
	receive(t, ch)

	m.Report(Status{Online: true, Transport: TransportCellular})
	m.Report(Status{Online: true, Transport: TransportCellular})
	expectNone(t, ch)

	if got := m.Status().Transport; got != TransportCellular {
		t.Errorf("Transport = %s, want cellular", got)
	}
}

// TestMonitor_repeatedOffline verifies duplicate offline reports are silent.
func TestMonitor_repeatedOffline(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	m.Report(Status{Online: false})
	m.Report(Status{Online: false})
	expectNone(t, ch)
}

// TestMonitor_slowSubscriberGetsLatest verifies delivery never blocks and a
// lagging subscriber sees the newest state.
func TestMonitor_slowSubscriberGetsLatest(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	done := make(chan struct{})
	go func() {
		m.Report(Status{Online: true})
		m.Report(Status{Online: false})
		m.Report(Status{Online: true})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a slow subscriber")
	}

	if ev := receive(t, ch); !ev.Online {
		t.Errorf("event = %+v, want the latest (online)", ev)
	}
	expectNone(t, ch)
}

// TestMonitor_multipleSubscribers verifies every subscriber sees the edge.
func TestMonitor_multipleSubscribers(t *testing.T) {
	m := NewMonitor()
	a, b := m.Subscribe(), m.Subscribe()

	m.Report(Status{Online: true})
	receive(t, a)
	receive(t, b)
}

// TestMonitor_close verifies subscriptions are closed.
func TestMonitor_close(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()
	m.Close()
	m.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if _, ok := <-m.Subscribe(); ok {
		t.Error("Subscribe() after Close() should return a closed channel")
	}
	m.Report(Status{Online: true})
}

// TestMonitor_run verifies check results drive the edges.
func TestMonitor_run(t *testing.T) {
	m := NewMonitor()
	ch := m.Subscribe()

	var healthy atomic.Bool
	healthy.Store(true)
	p := CheckerFunc(func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("unreachable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, p, 10*time.Millisecond, time.Second)

	if ev := receive(t, ch); !ev.Online || ev.Transport != TransportOther {
		t.Errorf("event = %+v, want online", ev)
	}

	healthy.Store(false)
	if ev := receive(t, ch); ev.Online {
		t.Errorf("event = %+v, want offline", ev)
	}
}

// TestHTTPChecker verifies any response counts as reachable.
func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("checked %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	p := NewHTTPChecker(srv.URL+"/api/", "/health")
	if err := p.Check(context.Background()); err != nil {
		t.Errorf("Check() = %v, want nil for a 503", err)
	}

	srv.Close()
	if err := p.Check(context.Background()); err == nil {
		t.Error("Check() of a closed server should fail")
	}
}
