package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"
)

type fakeAppeals struct {
	saved chan types.Appeal
}

func newFakeAppeals() *fakeAppeals {
	return &fakeAppeals{saved: make(chan types.Appeal, 8)}
}

func (f *fakeAppeals) Save(_ context.Context, appeal types.Appeal) (types.Appeal, error) {
	f.saved <- appeal
	return appeal, nil
}

func (f *fakeAppeals) waitSave(t *testing.T) types.Appeal {
	t.Helper()
	select {
	case a := <-f.saved:
		return a
	case <-time.After(time.Second):
		t.Fatal("expected an appeal write")
		return types.Appeal{}
	}
}

func (f *fakeAppeals) assertNoSave(t *testing.T) {
	t.Helper()
	select {
	case a := <-f.saved:
		t.Fatalf("unexpected appeal write: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func onCall(correlation, caller, queue string) types.ChannelSnapshot {
	return types.ChannelSnapshot{
		Status:          types.SessionOnCall,
		RawState:        "Up",
		ChannelID:       "SIP/105-0001",
		CorrelationHint: correlation,
		CallerNumber:    caller,
		QueueHint:       queue,
	}
}

func ringing(correlation, caller string) types.ChannelSnapshot {
	return types.ChannelSnapshot{
		Status:          types.SessionRinging,
		RawState:        "Ringing",
		ChannelID:       "SIP/105-0001",
		CorrelationHint: correlation,
		CallerNumber:    caller,
	}
}

func available() types.ChannelSnapshot {
	return types.ChannelSnapshot{Status: types.SessionAvailable, RawState: "Down"}
}

func TestCallCycleEntersWrapUp(t *testing.T) {
	appeals := newFakeAppeals()
	m := NewMachine("agent-1", time.Minute, appeals, nil, nil, zerolog.Nop())

	m.Observe(available())
	m.Observe(ringing("1699.1", "79001234567"))
	m.Observe(onCall("1699.1", "79001234567", "305"))

	snap := m.Snapshot()
	if snap.Status != types.SessionOnCall {
		t.Fatalf("expected on-call, got %s", snap.Status)
	}
	if snap.CorrelationID != "1699.1" || snap.CallerNumber != "79001234567" || snap.Queue != "305" {
		t.Errorf("unexpected interaction data: %+v", snap)
	}

	// The poller stops reporting on-call: wrap-up starts immediately.
	m.Observe(available())

	snap = m.Snapshot()
	if snap.Status != types.SessionWrapUp {
		t.Fatalf("expected wrap-up, got %s", snap.Status)
	}
	if snap.CorrelationID != "1699.1" {
		t.Errorf("wrap-up lost the interaction id: %+v", snap)
	}
	if snap.WrapUpDeadline == nil {
		t.Error("expected a wrap-up deadline")
	}

	// Further idle reports must not kick the session out of wrap-up.
	m.Observe(available())
	if got := m.Snapshot().Status; got != types.SessionWrapUp {
		t.Errorf("idle report ended wrap-up early: %s", got)
	}
	m.Close()
}

func TestWrapUpExpiryCommitsCompleteDraft(t *testing.T) {
	appeals := newFakeAppeals()
	m := NewMachine("agent-1", 30*time.Millisecond, appeals, nil, nil, zerolog.Nop())

	m.Observe(onCall("1699.1", "79001234567", "305"))
	m.Observe(available())
	m.SetDraft(types.AppealDraft{Category: "billing", Resolution: "explained invoice", Satisfaction: 5})

	saved := appeals.waitSave(t)
	if saved.CallID != "1699.1" || saved.CorrelationID != "1699.1" {
		t.Errorf("appeal keyed wrong: %+v", saved)
	}
	if saved.OperatorID != "agent-1" || saved.Category != "billing" {
		t.Errorf("unexpected appeal: %+v", saved)
	}
	if saved.ID == "" {
		t.Error("expected a generated appeal id")
	}

	if got := m.Snapshot().Status; got != types.SessionAvailable {
		t.Errorf("expected available after expiry, got %s", got)
	}
}

func TestWrapUpExpiryDiscardsIncompleteDraft(t *testing.T) {
	appeals := newFakeAppeals()
	m := NewMachine("agent-1", 30*time.Millisecond, appeals, nil, nil, zerolog.Nop())

	m.Observe(onCall("1699.1", "79001234567", "305"))
	m.Observe(available())
	m.SetDraft(types.AppealDraft{Resolution: "no category picked"})

	time.Sleep(80 * time.Millisecond)
	appeals.assertNoSave(t)

	if got := m.Snapshot().Status; got != types.SessionAvailable {
		t.Errorf("expected available after discard, got %s", got)
	}
}

func TestNewCallDuringWrapUpCancelsCountdown(t *testing.T) {
	appeals := newFakeAppeals()
	m := NewMachine("agent-1", 40*time.Millisecond, appeals, nil, nil, zerolog.Nop())

	m.Observe(onCall("1699.1", "79001234567", "305"))
	m.Observe(available())
	m.SetDraft(types.AppealDraft{Category: "billing"})

	// A new call rings before the countdown fires.
	m.Observe(ringing("1699.2", "79007654321"))

	snap := m.Snapshot()
	if snap.Status != types.SessionRinging {
		t.Fatalf("expected ringing, got %s", snap.Status)
	}
	if snap.CorrelationID != "1699.2" {
		t.Errorf("expected the new interaction id, got %s", snap.CorrelationID)
	}

	// The cancelled countdown must never write the abandoned draft.
	time.Sleep(80 * time.Millisecond)
	appeals.assertNoSave(t)
	m.Close()
}

func TestManualSubmit(t *testing.T) {
	appeals := newFakeAppeals()
	m := NewMachine("agent-1", time.Minute, appeals, nil, nil, zerolog.Nop())

	if err := m.SubmitWrapUp(); err != ErrNotWrappingUp {
		t.Errorf("expected ErrNotWrappingUp, got %v", err)
	}

	m.Observe(onCall("1699.1", "79001234567", "305"))
	m.Observe(available())

	if err := m.SubmitWrapUp(); err != ErrDraftIncomplete {
		t.Errorf("expected ErrDraftIncomplete, got %v", err)
	}

	m.SetDraft(types.AppealDraft{Category: "support", FollowUp: true})
	if err := m.SubmitWrapUp(); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	saved := appeals.waitSave(t)
	if saved.Category != "support" || !saved.FollowUp {
		t.Errorf("unexpected appeal: %+v", saved)
	}
	if got := m.Snapshot().Status; got != types.SessionAvailable {
		t.Errorf("expected available after submit, got %s", got)
	}
}

func TestCallerLookupRunsOncePerCaller(t *testing.T) {
	var mu sync.Mutex
	lookups := make(map[string]int)
	done := make(chan string, 8)
	lookup := func(_ context.Context, caller string) {
		mu.Lock()
		lookups[caller]++
		mu.Unlock()
		done <- caller
	}

	m := NewMachine("agent-1", time.Minute, nil, lookup, nil, zerolog.Nop())

	m.Observe(onCall("1699.1", "79001234567", "305"))
	<-done
	m.Observe(available())

	// Same caller calls back within the same session: no second lookup.
	m.Observe(onCall("1699.2", "79001234567", "305"))
	m.Observe(available())

	// A different caller triggers a fresh lookup.
	m.Observe(onCall("1699.3", "79009999999", "305"))
	<-done

	mu.Lock()
	defer mu.Unlock()
	if lookups["79001234567"] != 1 {
		t.Errorf("expected 1 lookup for repeat caller, got %d", lookups["79001234567"])
	}
	if lookups["79009999999"] != 1 {
		t.Errorf("expected 1 lookup for new caller, got %d", lookups["79009999999"])
	}
	m.Close()
}

func TestTransitionsAnnounced(t *testing.T) {
	var mu sync.Mutex
	var seen []types.SessionStatus
	onChange := func(snap types.SessionSnapshot) {
		mu.Lock()
		seen = append(seen, snap.Status)
		mu.Unlock()
	}

	m := NewMachine("agent-1", time.Minute, nil, nil, onChange, zerolog.Nop())

	m.Observe(available())
	m.Observe(ringing("1699.1", "79001234567"))
	m.Observe(ringing("1699.1", "79001234567")) // repeat, no transition
	m.Observe(onCall("1699.1", "79001234567", "305"))
	m.Observe(onCall("1699.1", "79001234567", "305")) // repeat, no transition
	m.Observe(available())

	mu.Lock()
	defer mu.Unlock()
	want := []types.SessionStatus{
		types.SessionAvailable,
		types.SessionRinging,
		types.SessionOnCall,
		types.SessionWrapUp,
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(seen), seen)
	}
	for i, status := range want {
		if seen[i] != status {
			t.Errorf("transition %d: expected %s, got %s", i, status, seen[i])
		}
	}
	m.Close()
}

func TestClosedMachineIgnoresObservations(t *testing.T) {
	m := NewMachine("agent-1", time.Minute, nil, nil, nil, zerolog.Nop())
	m.Observe(onCall("1699.1", "79001234567", "305"))
	m.Close()

	m.Observe(available())
	if got := m.Snapshot().Status; got != types.SessionOnCall {
		t.Errorf("closed machine still transitioned: %s", got)
	}
}
