package types

import "time"

// CallStatus is the normalized disposition of a finished call.
type CallStatus string

const (
	CallAnswered CallStatus = "answered"
	CallNoAnswer CallStatus = "no-answer"
	CallBusy     CallStatus = "busy"
	CallFailed   CallStatus = "failed"
)

// SessionStatus is the operator session state derived from live channel polling.
type SessionStatus string

const (
	SessionOffline   SessionStatus = "offline"
	SessionAvailable SessionStatus = "available"
	SessionRinging   SessionStatus = "ringing"
	SessionOnCall    SessionStatus = "on-call"
	SessionWrapUp    SessionStatus = "wrap-up"
)

// RawDetailRecord is one row of the telephony detail record store: a single
// call leg. Several legs share a LinkedID when they belong to the same
// human interaction (queue leg plus one or more agent legs).
type RawDetailRecord struct {
	UniqueID      string    `json:"uniqueid"`
	LinkedID      string    `json:"linkedid"`
	StartTime     time.Time `json:"startTime"`
	Src           string    `json:"src"`
	Dst           string    `json:"dst"`
	Context       string    `json:"dcontext"`
	Channel       string    `json:"channel"`
	DstChannel    string    `json:"dstchannel"`
	Duration      int       `json:"duration"`
	BillSec       int       `json:"billsec"`
	Disposition   string    `json:"disposition"`
	UserField     string    `json:"userfield"`
	RecordingFile string    `json:"recordingfile"`
}

// Call is the canonical unit the rest of the system consumes. It is derived
// from the representative leg of an interaction and is immutable once built.
type Call struct {
	ID                string     `json:"id"`
	CorrelationID     string     `json:"correlationId"`
	CallerNumber      string     `json:"callerNumber"`
	CalledNumber      string     `json:"calledNumber"`
	OperatorExtension string     `json:"operatorExtension,omitempty"`
	Status            CallStatus `json:"status"`
	StartTime         time.Time  `json:"startTime"`
	Duration          int        `json:"duration"`
	TalkTime          int        `json:"talkTime"`
	WaitTime          int        `json:"waitTime"`
	Queue             string     `json:"queue"`
	IsOutgoing        bool       `json:"isOutgoing"`
	SatisfactionVote  *int       `json:"satisfactionVote,omitempty"`
	RecordingID       string     `json:"recordingId,omitempty"`
}

// CallPage is one page of deduplicated calls plus the total over the whole
// filtered set, not over raw legs.
type CallPage struct {
	Calls   []Call `json:"calls"`
	Total   int64  `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"perPage"`
}

// ChannelSnapshot is the poller's normalized view of one agent's endpoint
// at a single poll tick.
type ChannelSnapshot struct {
	Status          SessionStatus `json:"status"`
	RawState        string        `json:"rawState"`
	ChannelID       string        `json:"channelId,omitempty"`
	CorrelationHint string        `json:"correlationHint,omitempty"`
	CallerNumber    string        `json:"callerNumber,omitempty"`
	QueueHint       string        `json:"queueHint,omitempty"`
}

// SessionSnapshot is what the operator workspace sees: the current session
// state plus the active interaction's identifying data when not idle.
type SessionSnapshot struct {
	AgentID        string        `json:"agentId"`
	Status         SessionStatus `json:"status"`
	CorrelationID  string        `json:"correlationId,omitempty"`
	CallerNumber   string        `json:"callerNumber,omitempty"`
	Queue          string        `json:"queue,omitempty"`
	Since          time.Time     `json:"since"`
	WrapUpDeadline *time.Time    `json:"wrapUpDeadline,omitempty"`
}

// AppealDraft is the in-progress annotation form for the active call.
// Category is the mandatory field; a draft without it is discarded on
// wrap-up expiry rather than written as a partial record.
type AppealDraft struct {
	Category     string `json:"category"`
	Resolution   string `json:"resolution"`
	Satisfaction int    `json:"satisfaction"`
	FollowUp     bool   `json:"followUp"`
}

// Complete reports whether the draft carries the mandatory fields.
func (d AppealDraft) Complete() bool {
	return d.Category != ""
}

// Appeal is the persisted interaction annotation, upserted by call id.
type Appeal struct {
	ID            string    `json:"id" dynamodbav:"ID"`
	CallID        string    `json:"callId" dynamodbav:"CallID"`
	CorrelationID string    `json:"correlationId" dynamodbav:"CorrelationID"`
	OperatorID    string    `json:"operatorId" dynamodbav:"OperatorID"`
	Category      string    `json:"category" dynamodbav:"Category"`
	Resolution    string    `json:"resolution" dynamodbav:"Resolution"`
	Satisfaction  int       `json:"satisfaction" dynamodbav:"Satisfaction"`
	FollowUp      bool      `json:"followUp" dynamodbav:"FollowUp"`
	UpdatedAt     time.Time `json:"updatedAt" dynamodbav:"UpdatedAt"`
}
