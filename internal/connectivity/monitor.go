// Package connectivity tracks whether the backend is reachable and publishes
// an event on every offline/online edge.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/metrics"
)

// Transport is the kind of network the device is attached to.
type Transport string

const (
	TransportNone     Transport = "none"
	TransportWiFi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportEthernet Transport = "ethernet"
	TransportOther    Transport = "other"
)

// Status is a raw network state reported by the platform.
type Status struct {
	Online    bool      `json:"online"`
	Transport Transport `json:"transport"`
}

// Event is published when reachability flips.
type Event struct {
	Online    bool      `json:"online"`
	Transport Transport `json:"transport"`
	At        time.Time `json:"at"`
}

// Checker checks reachability of the backend.
type Checker interface {
	Check(ctx context.Context) error
}

// Monitor turns raw status reports into edge-triggered events.
type Monitor struct {
	mu     sync.RWMutex
	status Status
	subs   []chan Event
	closed bool
	now    func() time.Time
	log    *logging.Logger
}

// NewMonitor creates a Monitor that starts offline until the first report.
func NewMonitor() *Monitor {
	return &Monitor{
		status: Status{Transport: TransportNone},
		now:    time.Now,
		log:    logging.Get().Component("connectivity"),
	}
}

// Report ingests a platform network change. Only a change of Online emits an
// event; a transport change while online is recorded silently.
func (m *Monitor) Report(s Status) {
	if s.Transport == "" {
		if s.Online {
			s.Transport = TransportOther
		} else {
			s.Transport = TransportNone
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.status
	m.status = s
	if prev.Online == s.Online || m.closed {
		return
	}

	state := "offline"
	if s.Online {
		state = "online"
	}
	metrics.ConnectivityTransitionsTotal.WithLabelValues(state).Inc()
	m.log.Info("Connectivity changed", map[string]interface{}{
		"online":    s.Online,
		"transport": s.Transport,
	})

	ev := Event{Online: s.Online, Transport: s.Transport, At: m.now()}
	for _, ch := range m.subs {
		publish(ch, ev)
	}
}

// publish delivers ev without blocking. A subscriber that has not consumed
// its previous event gets it replaced by the newer one.
func publish(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// IsOnline reports the current reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Online
}

// Status returns the last reported status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe returns a channel of edge events. The channel is closed by Close.
func (m *Monitor) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 1)
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// Close closes every subscription channel.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

// Run checks the backend every interval until ctx is done and reports each
// result. The transport last reported by the platform is kept.
func (m *Monitor) Run(ctx context.Context, p Checker, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.checkOnce(ctx, p, timeout)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) checkOnce(ctx context.Context, p Checker, timeout time.Duration) {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.Check(checkCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.log.Debug("Reachability check failed", map[string]interface{}{"error": err.Error()})
	}

	transport := m.Status().Transport
	if err == nil && transport == TransportNone {
		transport = TransportOther
	}
	m.Report(Status{Online: err == nil, Transport: transport})
}

// HTTPChecker treats any HTTP response from URL as reachable.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker checks baseURL+path, e.g. "https://api.example.com/api" + "/health".
func NewHTTPChecker(baseURL, path string) *HTTPChecker {
	return &HTTPChecker{
		URL:    strings.TrimRight(baseURL, "/") + path,
		Client: &http.Client{},
	}
}

// Check issues a GET and discards the body.
func (p *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) error {
	return f(ctx)
}
