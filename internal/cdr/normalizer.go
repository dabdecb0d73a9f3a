package cdr

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/avoronin/dialdesk/internal/types"
)

var voteToken = regexp.MustCompile(`Vote:(\d+)`)

// Normalizer maps one raw detail record into a canonical Call. All decoding
// of fragile source conventions (channel naming, the queue-context marker,
// the vote token smuggled in the free-text field) lives here so that a
// schema change upstream touches only this type.
type Normalizer struct {
	queueContext    string
	internalContext string
	channelPattern  *regexp.Regexp
}

// NewNormalizer creates a Normalizer for the given telephony naming
// conventions. techPrefixes are the channel technology prefixes that carry
// an operator extension (e.g. SIP, PJSIP).
func NewNormalizer(queueContext, internalContext string, techPrefixes []string) *Normalizer {
	quoted := make([]string, 0, len(techPrefixes))
	for _, p := range techPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}
	if len(quoted) == 0 {
		quoted = []string{"SIP"}
	}

	return &Normalizer{
		queueContext:    queueContext,
		internalContext: internalContext,
		channelPattern:  regexp.MustCompile(`^(?i:(?:` + strings.Join(quoted, "|") + `))/(\d+)`),
	}
}

// Normalize builds a Call from one raw leg. Malformed fields degrade to
// unset values rather than failing the record.
func (n *Normalizer) Normalize(rec types.RawDetailRecord) types.Call {
	duration := maxInt(0, rec.Duration)
	return types.Call{
		ID:                rec.UniqueID,
		CorrelationID:     rec.LinkedID,
		CallerNumber:      rec.Src,
		CalledNumber:      rec.Dst,
		OperatorExtension: n.OperatorExtension(rec.DstChannel),
		Status:            mapDisposition(rec.Disposition),
		StartTime:         rec.StartTime,
		Duration:          duration,
		TalkTime:          minInt(maxInt(0, rec.BillSec), duration),
		WaitTime:          maxInt(0, rec.Duration-rec.BillSec),
		Queue:             n.Queue(rec),
		IsOutgoing:        rec.Context == n.internalContext,
		SatisfactionVote:  decodeVote(rec.UserField),
		RecordingID:       recordingID(rec.RecordingFile),
	}
}

// OperatorExtension extracts the operator extension from a channel string
// such as "SIP/105-000a31bf". Channel naming not matching the configured
// technology prefixes yields an empty extension; downstream code treats
// operator-less calls as valid.
func (n *Normalizer) OperatorExtension(channel string) string {
	m := n.channelPattern.FindStringSubmatch(channel)
	if m == nil {
		return ""
	}
	return m[1]
}

// Queue resolves the queue identity of a leg. Queue calls carry the queue
// number in the destination; direct calls carry it in the routing context.
func (n *Normalizer) Queue(rec types.RawDetailRecord) string {
	if rec.Context == n.queueContext {
		return rec.Dst
	}
	return rec.Context
}

// decodeVote scans a free-text field for an embedded "Vote:<digits>" token.
func decodeVote(userField string) *int {
	m := voteToken.FindStringSubmatch(userField)
	if m == nil {
		return nil
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &v
}

// recordingID strips the file extension from a recording file name, leaving
// the stable identifier used by the recording delivery service.
func recordingID(file string) string {
	if file == "" {
		return ""
	}
	if idx := strings.LastIndex(file, "."); idx > 0 {
		return file[:idx]
	}
	return file
}

func mapDisposition(d string) types.CallStatus {
	switch strings.ToUpper(strings.TrimSpace(d)) {
	case "ANSWERED":
		return types.CallAnswered
	case "NO ANSWER":
		return types.CallNoAnswer
	case "BUSY":
		return types.CallBusy
	default:
		return types.CallFailed
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
