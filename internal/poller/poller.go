package poller

import (
	"context"
	"strings"
	"time"

	"github.com/avoronin/dialdesk/internal/ami"
	"github.com/avoronin/dialdesk/internal/metrics"
	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"
)

// StateProvider is the telephony control interface the poller consumes.
// *ami.Client implements it; tests substitute a fake.
type StateProvider interface {
	EndpointState(ctx context.Context, extension string) (ami.EndpointState, error)
	ChannelVar(ctx context.Context, channelID, name string) (string, error)
}

// linkedIDVar is the channel variable holding the interaction-wide
// correlation key that eventually lands in the detail record store.
const linkedIDVar = "CHANNEL(linkedid)"

// Poller periodically queries one agent's endpoint state and emits
// normalized snapshots to its sink. Polls run synchronously inside the
// tick loop, so a slow control-interface call never stacks a second poll
// for the same agent behind it; missed ticks are simply dropped.
type Poller struct {
	provider  StateProvider
	extension string
	interval  time.Duration
	timeout   time.Duration
	sink      func(types.ChannelSnapshot)
	logger    zerolog.Logger

	// correlation hint cache for the current channel
	lastChannelID string
	lastLinkedID  string
}

// New creates a Poller for one agent extension. sink is called with every
// successful snapshot, in poll order, from the poller's goroutine.
func New(provider StateProvider, extension string, interval, timeout time.Duration, sink func(types.ChannelSnapshot), logger zerolog.Logger) *Poller {
	return &Poller{
		provider:  provider,
		extension: extension,
		interval:  interval,
		timeout:   timeout,
		sink:      sink,
		logger:    logger.With().Str("component", "poller").Str("extension", extension).Logger(),
	}
}

// Run polls until the context is cancelled. An immediate first poll gives
// the workspace a state without waiting a full interval.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("poller started")

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll performs one bounded query. A failed query yields no snapshot at
// all: the session keeps its last known state rather than flickering to
// offline on a transient error.
func (p *Poller) poll(ctx context.Context) {
	m := metrics.Get()

	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	state, err := p.provider.EndpointState(pollCtx, p.extension)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("endpoint state query failed, keeping last known state")
		}
		m.RecordPollError()
		return
	}

	snap := types.ChannelSnapshot{
		RawState:     state.RawState,
		ChannelID:    state.ChannelID,
		CallerNumber: state.CallerNumber,
		QueueHint:    state.QueueHint,
	}
	snap.Status = NormalizeState(state.RawState, state.ChannelID != "")
	snap.CorrelationHint = p.correlationHint(pollCtx, state)

	m.RecordPoll()
	p.sink(snap)
}

// correlationHint resolves the stable correlation id of the live channel.
// The lookup result is cached per channel id; the extra round trip happens
// once per call, not once per poll.
func (p *Poller) correlationHint(ctx context.Context, state ami.EndpointState) string {
	if state.LinkedID != "" {
		return state.LinkedID
	}
	if state.ChannelID == "" {
		return ""
	}
	if state.ChannelID == p.lastChannelID {
		return p.lastLinkedID
	}

	linked, err := p.provider.ChannelVar(ctx, state.ChannelID, linkedIDVar)
	if err != nil {
		p.logger.Debug().Err(err).Str("channel", state.ChannelID).Msg("linkedid lookup failed")
		return ""
	}

	p.lastChannelID = state.ChannelID
	p.lastLinkedID = linked
	return linked
}

// NormalizeState maps a raw channel/endpoint state string into the session
// vocabulary. Unknown states degrade conservatively: an active channel
// means the operator is talking, no channel means they are free.
func NormalizeState(raw string, hasChannel bool) types.SessionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ring", "ringing":
		return types.SessionRinging
	case "up", "busy", "offhook", "dialing", "in use":
		return types.SessionOnCall
	case "down", "rsrvd", "online", "not in use":
		return types.SessionAvailable
	case "unavailable", "invalid", "offline":
		return types.SessionOffline
	default:
		if hasChannel {
			return types.SessionOnCall
		}
		return types.SessionAvailable
	}
}
