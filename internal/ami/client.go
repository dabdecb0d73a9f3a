package ami

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EndpointState is the raw view of one agent extension as reported by the
// manager interface: the state string as-is plus, when a channel is up,
// its identifiers. Consumers normalize RawState; this type never does.
type EndpointState struct {
	RawState     string
	ChannelID    string
	LinkedID     string
	CallerNumber string
	QueueHint    string
}

// Client is a synchronous Asterisk Manager Interface client. One action is
// in flight at a time; the connection is re-established on demand after a
// failure. All calls are bounded by the passed context.
type Client struct {
	addr     string
	username string
	secret   string
	logger   zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	parser *Parser
	seq    uint64
}

// NewClient creates a Client for the given manager interface address.
// No connection is made until the first action.
func NewClient(addr, username, secret string, logger zerolog.Logger) *Client {
	return &Client{
		addr:     addr,
		username: username,
		secret:   secret,
		logger:   logger.With().Str("component", "ami_client").Logger(),
	}
}

// EndpointState queries the current channel state for an agent extension.
// A live channel for the extension wins; otherwise the extension's hint
// state is reported with no channel id.
func (c *Client) EndpointState(ctx context.Context, extension string) (EndpointState, error) {
	events, err := c.roundTripList(ctx, "Status", nil, "StatusComplete")
	if err != nil {
		return EndpointState{}, fmt.Errorf("status action: %w", err)
	}

	needle := "/" + extension + "-"
	for _, evt := range events {
		if evt.Type() != "Status" {
			continue
		}
		channel := evt.Get("Channel")
		if !strings.Contains(channel, needle) {
			continue
		}
		return EndpointState{
			RawState:     evt.Get("ChannelStateDesc"),
			ChannelID:    channel,
			LinkedID:     evt.Get("Linkedid"),
			CallerNumber: evt.Get("CallerIDNum"),
			QueueHint:    evt.Get("Exten"),
		}, nil
	}

	// No live channel: fall back to the extension hint state
	resp, err := c.roundTrip(ctx, "ExtensionState", map[string]string{"Exten": extension})
	if err != nil {
		return EndpointState{}, fmt.Errorf("extensionstate action: %w", err)
	}
	return EndpointState{RawState: resp.Get("StatusText")}, nil
}

// ChannelVar fetches a channel variable by channel id. Used to resolve the
// stable correlation id of a live call, since the manager interface's own
// channel id is ephemeral.
func (c *Client) ChannelVar(ctx context.Context, channelID, name string) (string, error) {
	resp, err := c.roundTrip(ctx, "Getvar", map[string]string{
		"Channel":  channelID,
		"Variable": name,
	})
	if err != nil {
		return "", fmt.Errorf("getvar action: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("getvar %s on %s: %s", name, channelID, resp.Get("Message"))
	}
	return resp.Get("Value"), nil
}

// Close shuts the manager connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

// roundTrip sends one action and returns the matching response.
func (c *Client) roundTrip(ctx context.Context, action string, fields map[string]string) (Event, error) {
	events, err := c.roundTripList(ctx, action, fields, "")
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// roundTripList sends one action and collects the response and, when
// completeEvent is non-empty, every follow-up event until that marker.
func (c *Client) roundTripList(ctx context.Context, action string, fields map[string]string, completeEvent string) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}

	events, err := c.exchangeLocked(ctx, action, fields, completeEvent)
	if err != nil {
		// A broken connection poisons the stream; drop it so the next
		// action reconnects.
		c.dropLocked()
		return nil, err
	}
	return events, nil
}

func (c *Client) exchangeLocked(ctx context.Context, action string, fields map[string]string, completeEvent string) ([]Event, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	c.seq++
	actionID := strconv.FormatUint(c.seq, 10)
	if err := c.writeActionLocked(action, actionID, fields); err != nil {
		return nil, fmt.Errorf("write action %s: %w", action, err)
	}

	var (
		events    []Event
		collected bool
	)
	for {
		evt, err := c.parser.Next()
		if err != nil {
			return nil, fmt.Errorf("read response for %s: %w", action, err)
		}
		// Unsolicited traffic interleaves with responses; match on ActionID.
		if evt.ActionID() != actionID {
			continue
		}

		if evt.IsResponse() {
			if !evt.IsSuccess() {
				return nil, fmt.Errorf("action %s failed: %s", action, evt.Get("Message"))
			}
			events = append(events, evt)
			if completeEvent == "" {
				return events, nil
			}
			collected = true
			continue
		}

		if collected {
			events = append(events, evt)
			if evt.Type() == completeEvent {
				return events, nil
			}
		}
	}
}

func (c *Client) writeActionLocked(action, actionID string, fields map[string]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\r\n", action)
	fmt.Fprintf(&b, "ActionID: %s\r\n", actionID)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, fields[k])
	}
	b.WriteString("\r\n")

	_, err := c.conn.Write([]byte(b.String()))
	return err
}

func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.conn = conn
	c.parser = NewParser(conn)

	if _, err := c.exchangeLocked(ctx, "Login", map[string]string{
		"Username": c.username,
		"Secret":   c.secret,
	}, ""); err != nil {
		c.dropLocked()
		return fmt.Errorf("login: %w", err)
	}

	c.logger.Info().Str("addr", c.addr).Msg("manager interface connected")
	return nil
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.parser = nil
	return err
}
