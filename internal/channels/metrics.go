package channels

import (
	"sync"
	"sync/atomic"
	"time"
)

// Observer receives adapter activity for export to a metrics backend.
type Observer interface {
	EventReceived(adapter, category string)
	EventDropped(adapter, reason string)
	ActionCompleted(adapter, action, status string, duration time.Duration)
}

// Metrics tracks counters for one adapter instance and forwards them to an
// optional Observer.
type Metrics struct {
	adapter  string
	observer Observer

	eventsReceived atomic.Uint64
	eventsDropped  atomic.Uint64
	actionsOK      atomic.Uint64
	actionsFailed  atomic.Uint64
	peersAccepted  atomic.Uint64
	peersRejected  atomic.Uint64

	errorsMu     sync.Mutex
	errorsByCode map[ErrorCode]uint64

	startTime time.Time
}

// NewMetrics creates metrics for the named adapter. observer may be nil.
func NewMetrics(adapter string, observer Observer) *Metrics {
	return &Metrics{
		adapter:      adapter,
		observer:     observer,
		errorsByCode: make(map[ErrorCode]uint64),
		startTime:    time.Now(),
	}
}

func (m *Metrics) RecordEvent(category string) {
	m.eventsReceived.Add(1)
	if m.observer != nil {
		m.observer.EventReceived(m.adapter, category)
	}
}

func (m *Metrics) RecordDropped(reason string) {
	m.eventsDropped.Add(1)
	if m.observer != nil {
		m.observer.EventDropped(m.adapter, reason)
	}
}

func (m *Metrics) RecordPeer(accepted bool) {
	if accepted {
		m.peersAccepted.Add(1)
		return
	}
	m.peersRejected.Add(1)
}

// RecordAction records the outcome of a control-channel call.
func (m *Metrics) RecordAction(action string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
		m.actionsFailed.Add(1)
		if code := GetErrorCode(err); code != "" {
			m.errorsMu.Lock()
			m.errorsByCode[code]++
			m.errorsMu.Unlock()
		}
	} else {
		m.actionsOK.Add(1)
	}
	if m.observer != nil {
		m.observer.ActionCompleted(m.adapter, action, status, duration)
	}
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.Lock()
	errs := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, n := range m.errorsByCode {
		errs[code] = n
	}
	m.errorsMu.Unlock()

	return MetricsSnapshot{
		EventsReceived: m.eventsReceived.Load(),
		EventsDropped:  m.eventsDropped.Load(),
		ActionsOK:      m.actionsOK.Load(),
		ActionsFailed:  m.actionsFailed.Load(),
		PeersAccepted:  m.peersAccepted.Load(),
		PeersRejected:  m.peersRejected.Load(),
		ErrorsByCode:   errs,
		Uptime:         time.Since(m.startTime),
	}
}

// MetricsSnapshot is a point-in-time view of adapter counters.
type MetricsSnapshot struct {
	EventsReceived uint64               `json:"events_received"`
	EventsDropped  uint64               `json:"events_dropped"`
	ActionsOK      uint64               `json:"actions_ok"`
	ActionsFailed  uint64               `json:"actions_failed"`
	PeersAccepted  uint64               `json:"peers_accepted"`
	PeersRejected  uint64               `json:"peers_rejected"`
	ErrorsByCode   map[ErrorCode]uint64 `json:"errors_by_code,omitempty"`
	Uptime         time.Duration        `json:"uptime"`
}
