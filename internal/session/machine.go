package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avoronin/dialdesk/internal/metrics"
	"github.com/avoronin/dialdesk/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrDraftIncomplete is returned by a manual wrap-up submit when the
// annotation form is missing its mandatory fields.
var ErrDraftIncomplete = errors.New("session: appeal draft is incomplete")

// ErrNotWrappingUp is returned by a manual submit outside the wrap-up phase.
var ErrNotWrappingUp = errors.New("session: no wrap-up in progress")

// AppealWriter is the subset of the appeal store needed by the machine.
type AppealWriter interface {
	Save(ctx context.Context, appeal types.Appeal) (types.Appeal, error)
}

// CallerLookup prefetches caller history/CRM context when a call connects.
// It runs at most once per caller number within one session.
type CallerLookup func(ctx context.Context, callerNumber string)

// TransitionFunc receives a session snapshot on every state change.
type TransitionFunc func(snap types.SessionSnapshot)

// Machine is one operator's session state machine. It consumes channel
// snapshots from the poller and derives the session lifecycle
// offline -> available -> ringing -> on-call -> wrap-up -> available.
// All mutation happens through the owning session's poller and timer, so a
// single mutex is enough.
type Machine struct {
	agentID    string
	wrapUpTime time.Duration
	appeals    AppealWriter
	lookup     CallerLookup
	onChange   TransitionFunc
	logger     zerolog.Logger

	mu             sync.Mutex
	status         types.SessionStatus
	correlationID  string
	callerNumber   string
	queue          string
	since          time.Time
	wrapUpDeadline *time.Time
	draft          types.AppealDraft
	timer          *time.Timer
	lookedUp       map[string]bool
	closed         bool
}

// NewMachine creates a session machine for one agent. The appeal writer and
// the caller lookup may be nil; transitions then skip the corresponding side
// effects.
func NewMachine(agentID string, wrapUpTime time.Duration, appeals AppealWriter, lookup CallerLookup, onChange TransitionFunc, logger zerolog.Logger) *Machine {
	return &Machine{
		agentID:    agentID,
		wrapUpTime: wrapUpTime,
		appeals:    appeals,
		lookup:     lookup,
		onChange:   onChange,
		logger:     logger.With().Str("component", "session").Str("agent_id", agentID).Logger(),
		status:     types.SessionOffline,
		since:      time.Now(),
		lookedUp:   make(map[string]bool),
	}
}

// Observe feeds one poll result into the machine. It is the poller's sink.
func (m *Machine) Observe(snap types.ChannelSnapshot) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	changed := false
	switch snap.Status {
	case types.SessionOnCall:
		changed = m.toOnCallLocked(snap)
	case types.SessionRinging:
		changed = m.toRingingLocked(snap)
	default:
		changed = m.toIdleLocked(snap.Status)
	}

	var out types.SessionSnapshot
	var caller string
	if changed {
		out = m.snapshotLocked()
		caller = m.pendingLookupLocked()
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.announce(out)
	if caller != "" && m.lookup != nil {
		go m.lookup(context.Background(), caller)
	}
}

// toOnCallLocked handles a live channel report. A call arriving during
// wrap-up cancels the countdown without committing the pending draft.
func (m *Machine) toOnCallLocked(snap types.ChannelSnapshot) bool {
	if m.status == types.SessionWrapUp {
		m.cancelTimerLocked()
		m.draft = types.AppealDraft{}
		m.logger.Debug().Msg("new call during wrap-up, countdown cancelled")
	}
	newInteraction := snap.CorrelationHint != "" && snap.CorrelationHint != m.correlationID
	if m.status == types.SessionOnCall && !newInteraction {
		m.refreshInteractionLocked(snap)
		return false
	}

	m.setStatusLocked(types.SessionOnCall)
	m.refreshInteractionLocked(snap)
	return true
}

func (m *Machine) toRingingLocked(snap types.ChannelSnapshot) bool {
	switch m.status {
	case types.SessionRinging:
		m.refreshInteractionLocked(snap)
		return false
	case types.SessionOnCall:
		// A ringing report while a call was tracked means the call ended.
		return m.enterWrapUpLocked()
	case types.SessionWrapUp:
		m.cancelTimerLocked()
		m.draft = types.AppealDraft{}
		m.logger.Debug().Msg("new call ringing during wrap-up, countdown cancelled")
	}

	m.setStatusLocked(types.SessionRinging)
	m.refreshInteractionLocked(snap)
	return true
}

// toIdleLocked handles available and offline reports.
func (m *Machine) toIdleLocked(status types.SessionStatus) bool {
	switch m.status {
	case types.SessionOnCall:
		// Only the disappearance of the on-call condition triggers wrap-up;
		// no explicit hangup event is needed.
		return m.enterWrapUpLocked()
	case types.SessionWrapUp:
		// The countdown owns the exit from wrap-up.
		return false
	}
	if m.status == status {
		return false
	}

	m.setStatusLocked(status)
	m.clearInteractionLocked()
	return true
}

func (m *Machine) enterWrapUpLocked() bool {
	m.setStatusLocked(types.SessionWrapUp)
	deadline := time.Now().Add(m.wrapUpTime)
	m.wrapUpDeadline = &deadline
	m.timer = time.AfterFunc(m.wrapUpTime, m.onWrapUpExpiry)
	return true
}

// onWrapUpExpiry fires when the countdown runs out with no manual submit.
// A complete draft is committed, an incomplete one is discarded without a
// partial record. Either way the session returns to available.
func (m *Machine) onWrapUpExpiry() {
	m.mu.Lock()
	if m.closed || m.status != types.SessionWrapUp {
		m.mu.Unlock()
		return
	}

	draft := m.draft
	correlationID := m.correlationID

	m.timer = nil
	m.wrapUpDeadline = nil
	m.draft = types.AppealDraft{}
	m.setStatusLocked(types.SessionAvailable)
	m.clearInteractionLocked()
	out := m.snapshotLocked()
	m.mu.Unlock()

	if draft.Complete() {
		m.commitDraft(draft, correlationID)
		metrics.Get().RecordWrapUpCommit()
	} else {
		metrics.Get().RecordWrapUpDiscard()
		m.logger.Debug().Str("correlation_id", correlationID).Msg("wrap-up expired with incomplete draft, discarded")
	}
	m.announce(out)
}

// SetDraft replaces the in-progress annotation form for the active call.
func (m *Machine) SetDraft(draft types.AppealDraft) {
	m.mu.Lock()
	m.draft = draft
	m.mu.Unlock()
}

// SubmitWrapUp commits the annotation form immediately instead of waiting
// for the countdown. It fails if no wrap-up is in progress or the draft is
// missing its mandatory fields.
func (m *Machine) SubmitWrapUp() error {
	m.mu.Lock()
	if m.closed || m.status != types.SessionWrapUp {
		m.mu.Unlock()
		return ErrNotWrappingUp
	}
	if !m.draft.Complete() {
		m.mu.Unlock()
		return ErrDraftIncomplete
	}

	draft := m.draft
	correlationID := m.correlationID

	m.cancelTimerLocked()
	m.draft = types.AppealDraft{}
	m.setStatusLocked(types.SessionAvailable)
	m.clearInteractionLocked()
	out := m.snapshotLocked()
	m.mu.Unlock()

	m.commitDraft(draft, correlationID)
	metrics.Get().RecordWrapUpCommit()
	m.announce(out)
	return nil
}

// commitDraft writes the appeal. The write is fire-and-forget: a store
// failure is logged and counted but never blocks the operator from taking
// the next call.
func (m *Machine) commitDraft(draft types.AppealDraft, correlationID string) {
	if m.appeals == nil {
		return
	}
	appeal := types.Appeal{
		ID:            uuid.New().String(),
		CallID:        correlationID,
		CorrelationID: correlationID,
		OperatorID:    m.agentID,
		Category:      draft.Category,
		Resolution:    draft.Resolution,
		Satisfaction:  draft.Satisfaction,
		FollowUp:      draft.FollowUp,
		UpdatedAt:     time.Now().UTC(),
	}
	go func() {
		if _, err := m.appeals.Save(context.Background(), appeal); err != nil {
			metrics.Get().RecordAppealWriteError()
			m.logger.Error().Err(err).Str("call_id", appeal.CallID).Msg("failed to save appeal")
		}
	}()
}

// Snapshot returns the current session state for the workspace UI.
func (m *Machine) Snapshot() types.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Close tears the session down: any pending countdown is cancelled without
// a commit and further observations are ignored.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cancelTimerLocked()
}

func (m *Machine) setStatusLocked(status types.SessionStatus) {
	m.status = status
	m.since = time.Now()
	if status != types.SessionWrapUp {
		m.wrapUpDeadline = nil
	}
	metrics.Get().RecordTransition(status)
	m.logger.Debug().Str("status", string(status)).Msg("session transition")
}

func (m *Machine) refreshInteractionLocked(snap types.ChannelSnapshot) {
	if snap.CorrelationHint != "" {
		m.correlationID = snap.CorrelationHint
	}
	if snap.CallerNumber != "" {
		m.callerNumber = snap.CallerNumber
	}
	if snap.QueueHint != "" {
		m.queue = snap.QueueHint
	}
}

func (m *Machine) clearInteractionLocked() {
	m.correlationID = ""
	m.callerNumber = ""
	m.queue = ""
}

func (m *Machine) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.wrapUpDeadline = nil
}

// pendingLookupLocked marks the current caller as looked up and returns the
// number when a lookup is due, or "" when it already ran this session.
func (m *Machine) pendingLookupLocked() string {
	if m.status != types.SessionOnCall || m.callerNumber == "" {
		return ""
	}
	if m.lookedUp[m.callerNumber] {
		return ""
	}
	m.lookedUp[m.callerNumber] = true
	return m.callerNumber
}

func (m *Machine) snapshotLocked() types.SessionSnapshot {
	snap := types.SessionSnapshot{
		AgentID: m.agentID,
		Status:  m.status,
		Since:   m.since,
	}
	if m.status != types.SessionAvailable && m.status != types.SessionOffline {
		snap.CorrelationID = m.correlationID
		snap.CallerNumber = m.callerNumber
		snap.Queue = m.queue
	}
	if m.wrapUpDeadline != nil {
		d := *m.wrapUpDeadline
		snap.WrapUpDeadline = &d
	}
	return snap
}

func (m *Machine) announce(snap types.SessionSnapshot) {
	if m.onChange != nil {
		m.onChange(snap)
	}
}
