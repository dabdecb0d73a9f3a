package ticker

import (
	"context"
	"time"

	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"
)

// SnapshotSource yields the current state of every open session.
type SnapshotSource interface {
	Snapshots() []types.SessionSnapshot
}

// Sink receives session snapshots for distribution.
type Sink interface {
	PublishSession(snap types.SessionSnapshot)
}

// Ticker periodically re-publishes every open session's snapshot. Clients
// that connect between transitions get current state without waiting for
// the next one, and wrap-up countdowns stay visible as their deadline
// approaches.
type Ticker struct {
	source   SnapshotSource
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(source SnapshotSource, sink Sink, interval time.Duration, logger zerolog.Logger) *Ticker {
	return &Ticker{
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the periodic resync
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case <-ticker.C:
			snaps := t.source.Snapshots()
			for _, snap := range snaps {
				t.sink.PublishSession(snap)
			}
			t.logger.Debug().
				Int("sessions", len(snaps)).
				Msg("republished session snapshots")
		}
	}
}
