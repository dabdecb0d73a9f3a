package ami

import "strconv"

// Event is one parsed AMI message: an unsolicited event or an action
// response, as a set of "Key: Value" headers.
type Event map[string]string

// NewEvent builds an Event from alternating key-value pairs. Test helper
// and internal constructor.
func NewEvent(kvs ...string) Event {
	e := make(Event, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		e[kvs[i]] = kvs[i+1]
	}
	return e
}

// Get returns the value for the given key, or empty string if not present.
func (e Event) Get(key string) string {
	return e[key]
}

// GetInt returns the integer value for the given key, or 0 if not parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(e[key])
	return v
}

// Type returns the AMI event type (the Event header).
func (e Event) Type() string {
	return e["Event"]
}

// ActionID returns the ActionID header used to match responses to actions.
func (e Event) ActionID() string {
	return e["ActionID"]
}

// IsResponse reports whether this is a response to an action rather than an
// unsolicited event.
func (e Event) IsResponse() bool {
	return e["Response"] != ""
}

// IsSuccess reports whether a response indicates success.
func (e Event) IsSuccess() bool {
	return e["Response"] == "Success"
}
