// Package netmon watches network reachability and broadcasts availability
// changes on the bus. The outbound queue gates flushes on it and aborts
// mid-flush when connectivity drops.
package netmon

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vtstv/nexyc/internal/bus"
)

// Bus kinds published on availability changes.
const (
	KindAvailable = "network.available"
	KindLost      = "network.lost"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeAddr     = "1.1.1.1:53"
	defaultProbeTimeout  = 3 * time.Second
)

// Probe reports whether the network is currently reachable.
type Probe func() bool

// Monitor polls a reachability probe and publishes transitions.
type Monitor struct {
	bus    *bus.Bus
	logger *zap.Logger

	Interval time.Duration
	probe    Probe

	online atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
}

// New creates a monitor with the default TCP-dial probe.
func New(b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		bus:      b,
		logger:   logger,
		Interval: defaultProbeInterval,
		probe:    dialProbe,
	}
}

// SetProbe replaces the reachability probe. Must be called before Start.
func (m *Monitor) SetProbe(p Probe) {
	m.probe = p
}

// Online reports the last observed availability.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Start begins polling. The initial probe result is published immediately so
// subscribers never wait a full interval for the first reading.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.check(true)
	go func() {
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.check(false)
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts polling.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

func (m *Monitor) check(force bool) {
	online := m.probe()
	if !force && online == m.online.Load() {
		return
	}
	m.online.Store(online)
	kind := KindLost
	if online {
		kind = KindAvailable
	}
	m.logger.Info("network availability changed", zap.Bool("online", online))
	m.bus.PublishSticky(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   online,
	})
}

func dialProbe() bool {
	conn, err := net.DialTimeout("tcp", defaultProbeAddr, defaultProbeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
