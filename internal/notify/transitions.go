package notify

import (
	"context"
	"encoding/json"

	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"
)

// TransitionBus fans session state changes out to an external broker so
// wallboards and supervisor tooling can follow operator activity without
// holding a connection to this server. Topics are per agent:
// <prefix>/<agentID>.
type TransitionBus struct {
	publisher Publisher
	prefix    string
	logger    zerolog.Logger
}

// NewTransitionBus wraps a publisher. A nil publisher yields a bus that
// drops everything, so callers never have to branch on configuration.
func NewTransitionBus(publisher Publisher, prefix string, logger zerolog.Logger) *TransitionBus {
	return &TransitionBus{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger.With().Str("component", "transition_bus").Logger(),
	}
}

// Announce publishes one session snapshot. Failures are logged, never
// surfaced; a broker outage must not interfere with call handling.
func (b *TransitionBus) Announce(ctx context.Context, snap types.SessionSnapshot) {
	if b.publisher == nil {
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to marshal session snapshot")
		return
	}

	topic := b.prefix + "/" + snap.AgentID
	if err := b.publisher.Publish(ctx, topic, payload); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish session transition")
	}
}

// Close shuts the underlying publisher down.
func (b *TransitionBus) Close() error {
	if b.publisher == nil {
		return nil
	}
	return b.publisher.Close()
}
