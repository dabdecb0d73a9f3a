package ticker

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"
)

type fakeSource struct {
	snaps []types.SessionSnapshot
}

func (f *fakeSource) Snapshots() []types.SessionSnapshot {
	return f.snaps
}

type fakeSink struct {
	mu    sync.Mutex
	snaps []types.SessionSnapshot
}

func (f *fakeSink) PublishSession(snap types.SessionSnapshot) {
	f.mu.Lock()
	f.snaps = append(f.snaps, snap)
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

func TestNewTicker(t *testing.T) {
	logger := zerolog.New(&bytes.Buffer{})
	source := &fakeSource{}
	sink := &fakeSink{}
	ticker := NewTicker(source, sink, 1*time.Second, logger)

	if ticker == nil {
		t.Fatal("expected ticker to be created")
	}

	if ticker.source != source {
		t.Error("ticker source not set correctly")
	}

	if ticker.interval != 1*time.Second {
		t.Errorf("expected interval 1s, got %v", ticker.interval)
	}
}

func TestTickerRepublishesSnapshots(t *testing.T) {
	logger := zerolog.New(&bytes.Buffer{})
	source := &fakeSource{snaps: []types.SessionSnapshot{
		{AgentID: "agent-1", Status: types.SessionAvailable},
		{AgentID: "agent-2", Status: types.SessionOnCall},
	}}
	sink := &fakeSink{}

	ticker := NewTicker(source, sink, 50*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Millisecond)
	defer cancel()

	done := make(chan bool)
	go func() {
		ticker.Start(ctx)
		done <- true
	}()

	<-done

	// Three ticks over two sessions, give or take scheduling
	if got := sink.count(); got < 4 {
		t.Errorf("expected at least 4 republished snapshots, got %d", got)
	}
}

func TestTickerStopsOnContextCancel(t *testing.T) {
	logger := zerolog.New(&bytes.Buffer{})
	ticker := NewTicker(&fakeSource{}, &fakeSink{}, 100*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		ticker.Start(ctx)
		done <- true
	}()

	// Let it run for a bit
	time.Sleep(200 * time.Millisecond)

	// Cancel context
	cancel()

	// Wait for ticker to stop
	select {
	case <-done:
		// Success - ticker stopped
	case <-time.After(1 * time.Second):
		t.Error("ticker did not stop within timeout after context cancel")
	}
}
