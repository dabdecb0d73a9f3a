package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avoronin/dialdesk/internal/metrics"
	"github.com/avoronin/dialdesk/internal/poller"
	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"
)

// Config carries the per-session timing knobs.
type Config struct {
	PollInterval   time.Duration
	PollTimeout    time.Duration
	WrapUpDuration time.Duration
}

// Manager is the arena of live operator sessions, keyed by agent id. Each
// session owns its own machine, poller goroutine and wrap-up timer, so
// sessions never interfere with each other.
type Manager struct {
	provider poller.StateProvider
	appeals  AppealWriter
	lookup   CallerLookup
	onChange TransitionFunc
	cfg      Config
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

type liveSession struct {
	machine   *Machine
	extension string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates the session arena. onChange receives every session
// transition across all agents.
func NewManager(provider poller.StateProvider, appeals AppealWriter, lookup CallerLookup, onChange TransitionFunc, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		provider: provider,
		appeals:  appeals,
		lookup:   lookup,
		onChange: onChange,
		cfg:      cfg,
		logger:   logger.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*liveSession),
	}
}

// ErrExtensionMismatch signals an attempt to reopen an agent's session
// against a different extension while the first one is still live.
var ErrExtensionMismatch = errors.New("session: already open on another extension")

// Open starts a session for an agent and begins polling their extension.
// Reopening with the same extension returns the existing machine; the
// session must be closed before it can move to another extension.
func (mgr *Manager) Open(agentID, extension string) (*Machine, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if live, ok := mgr.sessions[agentID]; ok {
		if live.extension != extension {
			return nil, ErrExtensionMismatch
		}
		return live.machine, nil
	}

	machine := NewMachine(agentID, mgr.cfg.WrapUpDuration, mgr.appeals, mgr.lookup, mgr.onChange, mgr.logger)
	p := poller.New(mgr.provider, extension, mgr.cfg.PollInterval, mgr.cfg.PollTimeout, machine.Observe, mgr.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	mgr.sessions[agentID] = &liveSession{
		machine:   machine,
		extension: extension,
		cancel:    cancel,
		done:      done,
	}
	metrics.Get().RecordSessionOpen()
	mgr.logger.Info().Str("agent_id", agentID).Str("extension", extension).Msg("session opened")
	return machine, nil
}

// Get returns the machine for an open session.
func (mgr *Manager) Get(agentID string) (*Machine, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	live, ok := mgr.sessions[agentID]
	if !ok {
		return nil, false
	}
	return live.machine, true
}

// Snapshots returns the current state of every open session.
func (mgr *Manager) Snapshots() []types.SessionSnapshot {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	out := make([]types.SessionSnapshot, 0, len(mgr.sessions))
	for _, live := range mgr.sessions {
		out = append(out, live.machine.Snapshot())
	}
	return out
}

// Close tears down one agent's session: the poller stops, any pending
// wrap-up countdown is cancelled without a commit, and the session is
// removed from the arena.
func (mgr *Manager) Close(agentID string) bool {
	mgr.mu.Lock()
	live, ok := mgr.sessions[agentID]
	if ok {
		delete(mgr.sessions, agentID)
	}
	mgr.mu.Unlock()
	if !ok {
		return false
	}

	live.cancel()
	live.machine.Close()
	<-live.done
	metrics.Get().RecordSessionClose()
	mgr.logger.Info().Str("agent_id", agentID).Msg("session closed")
	return true
}

// Shutdown closes every open session. Used on server shutdown.
func (mgr *Manager) Shutdown() {
	mgr.mu.Lock()
	sessions := mgr.sessions
	mgr.sessions = make(map[string]*liveSession)
	mgr.mu.Unlock()

	for agentID, live := range sessions {
		live.cancel()
		live.machine.Close()
		<-live.done
		metrics.Get().RecordSessionClose()
		mgr.logger.Info().Str("agent_id", agentID).Msg("session closed")
	}
}
