package driftsync

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Probe answers whether the backing service is reachable. It carries no
// application traffic; it only establishes liveness.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a plain function to the Probe interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// WebsocketProbeConfig configures the websocket liveness probe.
type WebsocketProbeConfig struct {
	// URL is the ws:// or wss:// endpoint to dial.
	URL string `yaml:"url"`
	// HandshakeTimeout bounds the dial. Default 5s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// PingTimeout bounds the ping round trip after the handshake. Default 3s.
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// DefaultWebsocketProbeConfig returns the default probe settings.
func DefaultWebsocketProbeConfig() WebsocketProbeConfig {
	return WebsocketProbeConfig{
		HandshakeTimeout: 5 * time.Second,
		PingTimeout:      3 * time.Second,
	}
}

// WebsocketProbe checks liveness by dialing the endpoint, sending one ping
// control frame and waiting for the pong. The connection is closed
// immediately after.
type WebsocketProbe struct {
	config WebsocketProbeConfig
	dialer *websocket.Dialer
}

// NewWebsocketProbe creates a websocket liveness probe.
func NewWebsocketProbe(config WebsocketProbeConfig) *WebsocketProbe {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 3 * time.Second
	}
	return &WebsocketProbe{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
	}
}

// Check dials the endpoint and performs one ping round trip.
func (p *WebsocketProbe) Check(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.config.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	deadline := time.Now().Add(p.config.PingTimeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}

	// The pong handler only fires while a read is in progress.
	done := make(chan error, 1)
	go func() {
		conn.SetReadDeadline(deadline)
		_, _, err := conn.ReadMessage()
		done <- err
	}()

	select {
	case <-pong:
		return nil
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MonitorConfig configures the connectivity monitor.
type MonitorConfig struct {
	// Interval between probe checks. Default 15s.
	Interval time.Duration `yaml:"interval"`
	// FailureThreshold is how many consecutive probe failures flip the
	// state to offline. Default 2.
	FailureThreshold int `yaml:"failure_threshold"`
}

// DefaultMonitorConfig returns the default monitor settings.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         15 * time.Second,
		FailureThreshold: 2,
	}
}

// Monitor drives the state manager's online/offline flag from periodic
// probe checks.
type Monitor struct {
	config MonitorConfig
	probe  Probe
	states *StateManager

	mu       sync.Mutex
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMonitor creates a connectivity monitor. It does not start probing
// until Start is called.
func NewMonitor(config MonitorConfig, probe Probe, states *StateManager) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 2
	}
	return &Monitor{
		config: config,
		probe:  probe,
		states: states,
	}
}

// Start begins periodic probing until Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	m.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkOnce(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the probe loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// ReportOnline feeds an external online signal, bypassing the probe.
func (m *Monitor) ReportOnline() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	m.states.SetOnline()
}

// ReportOffline feeds an external offline signal, bypassing the probe.
func (m *Monitor) ReportOffline() {
	m.states.SetOffline()
}

func (m *Monitor) checkOnce(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Interval)
	err := m.probe.Check(checkCtx)
	cancel()

	m.mu.Lock()
	if err != nil {
		m.failures++
		offline := m.failures >= m.config.FailureThreshold
		m.mu.Unlock()
		if offline {
			m.states.SetOffline()
		}
		return
	}
	m.failures = 0
	m.mu.Unlock()
	m.states.SetOnline()
}
