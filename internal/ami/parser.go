package ami

import (
	"bufio"
	"io"
	"strings"
)

// Parser reads an AMI byte stream and yields one Event per blank-line
// terminated block. AMI frames headers with \r\n and separates messages
// with an empty line.
type Parser struct {
	r *bufio.Reader
}

// NewParser creates a Parser reading from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r)}
}

// Next reads the next complete event from the stream. It returns io.EOF
// when the stream ends with no pending headers.
func (p *Parser) Next() (Event, error) {
	var evt Event

	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(evt) > 0 {
				return evt, nil
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line ends the current block
		if line == "" {
			if len(evt) > 0 {
				return evt, nil
			}
			continue
		}

		idx := strings.Index(line, ": ")
		if idx < 0 {
			// Lines without a separator (the login banner, output of
			// command responses) carry no header; skip them.
			continue
		}

		if evt == nil {
			evt = make(Event)
		}
		evt[line[:idx]] = line[idx+2:]
	}
}

// ParseAll reads every event from the stream, stopping at EOF.
func ParseAll(r io.Reader) []Event {
	p := NewParser(r)
	var events []Event
	for {
		evt, err := p.Next()
		if err != nil {
			return events
		}
		events = append(events, evt)
	}
}
