package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avoronin/dialdesk/internal/types"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Live polling
	PollsTotal      int64
	PollErrorsTotal int64

	// Session state machine
	TransitionsTotal    int64
	transitionsByStatus map[types.SessionStatus]int64
	activeSessions      int64

	// Wrap-up auto-commit
	WrapUpCommitsTotal  int64
	WrapUpDiscardsTotal int64
	AppealWriteErrors   int64

	// Relational store
	StoreQueriesTotal int64
	StoreErrorsTotal  int64

	// WebSocket
	WSConnectionsTotal    int64
	WSDisconnectionsTotal int64
	activeConnections     int64

	startTime time.Time
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			transitionsByStatus: make(map[types.SessionStatus]int64),
			startTime:           time.Now(),
		}
	})
	return instance
}

// RecordPoll increments the poll counter
func (m *Metrics) RecordPoll() {
	m.mu.Lock()
	m.PollsTotal++
	m.mu.Unlock()
}

// RecordPollError increments the poll failure counter
func (m *Metrics) RecordPollError() {
	m.mu.Lock()
	m.PollErrorsTotal++
	m.mu.Unlock()
}

// RecordTransition records a session state transition
func (m *Metrics) RecordTransition(status types.SessionStatus) {
	m.mu.Lock()
	m.TransitionsTotal++
	m.transitionsByStatus[status]++
	m.mu.Unlock()
}

// RecordSessionOpen increments the active session gauge
func (m *Metrics) RecordSessionOpen() {
	m.mu.Lock()
	m.activeSessions++
	m.mu.Unlock()
}

// RecordSessionClose decrements the active session gauge
func (m *Metrics) RecordSessionClose() {
	m.mu.Lock()
	m.activeSessions--
	m.mu.Unlock()
}

// RecordWrapUpCommit increments the wrap-up commit counter
func (m *Metrics) RecordWrapUpCommit() {
	m.mu.Lock()
	m.WrapUpCommitsTotal++
	m.mu.Unlock()
}

// RecordWrapUpDiscard increments the wrap-up discard counter
func (m *Metrics) RecordWrapUpDiscard() {
	m.mu.Lock()
	m.WrapUpDiscardsTotal++
	m.mu.Unlock()
}

// RecordAppealWriteError increments the appeal write failure counter
func (m *Metrics) RecordAppealWriteError() {
	m.mu.Lock()
	m.AppealWriteErrors++
	m.mu.Unlock()
}

// RecordStoreQuery increments the store query counter
func (m *Metrics) RecordStoreQuery() {
	m.mu.Lock()
	m.StoreQueriesTotal++
	m.mu.Unlock()
}

// RecordStoreError increments the store error counter
func (m *Metrics) RecordStoreError() {
	m.mu.Lock()
	m.StoreErrorsTotal++
	m.mu.Unlock()
}

// RecordWSConnect increments connection counters
func (m *Metrics) RecordWSConnect() {
	m.mu.Lock()
	m.WSConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWSDisconnect increments the disconnection counter
func (m *Metrics) RecordWSDisconnect() {
	m.mu.Lock()
	m.WSDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// ActiveSessions returns the current number of open operator sessions
func (m *Metrics) ActiveSessions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSessions
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value int64, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}
			w.Write([]byte(name + labelStr + " " + strconv.FormatInt(value, 10) + "\n"))
		}

		write("dialdesk_uptime_seconds", int64(time.Since(m.startTime).Seconds()))

		write("dialdesk_polls_total", m.PollsTotal)
		write("dialdesk_poll_errors_total", m.PollErrorsTotal)

		write("dialdesk_session_transitions_total", m.TransitionsTotal)
		for status, count := range m.transitionsByStatus {
			write("dialdesk_session_transitions_by_status", count, "status", string(status))
		}
		write("dialdesk_active_sessions", m.activeSessions)

		write("dialdesk_wrapup_commits_total", m.WrapUpCommitsTotal)
		write("dialdesk_wrapup_discards_total", m.WrapUpDiscardsTotal)
		write("dialdesk_appeal_write_errors_total", m.AppealWriteErrors)

		write("dialdesk_store_queries_total", m.StoreQueriesTotal)
		write("dialdesk_store_errors_total", m.StoreErrorsTotal)

		write("dialdesk_websocket_connections_total", m.WSConnectionsTotal)
		write("dialdesk_websocket_disconnections_total", m.WSDisconnectionsTotal)
		write("dialdesk_websocket_active_connections", m.activeConnections)
	}
}
