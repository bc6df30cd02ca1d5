// Package session owns the call lifecycle: one state machine driving
// signaling, the audio graph, recording and call-log reporting, with all
// state confined to a single event loop goroutine.
package session

import (
	"errors"
	"time"
)

// State is the user-visible call session state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRinging    State = "ringing"
	StateActive     State = "active"
	StateOnHold     State = "on_hold"
	StateEnded      State = "ended"
)

// Dispositions recorded for finished calls.
const (
	DispositionCompleted = "completed"
	DispositionCancelled = "cancelled"
	DispositionFailed    = "failed"
	DispositionBusy      = "busy"
	DispositionNoAnswer  = "no_answer"
)

// Hang-up attributions.
const (
	HungUpByUser   = "user"
	HungUpByRemote = "remote"
)

// Call directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrHoldPending    = errors.New("hold change already in progress")
	ErrNotRecording   = errors.New("no recording in progress")
	ErrInvalidVolume  = errors.New("volume must be between 0 and 100")
)

// DialRequest describes an outbound call to place.
type DialRequest struct {
	PhoneNumber  string `json:"phoneNumber"`
	CustomerID   string `json:"customerId,omitempty"`
	CampaignID   string `json:"campaignId,omitempty"`
	CustomerName string `json:"customerName,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Snapshot is a point-in-time view of the session, safe to hand out.
type Snapshot struct {
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`

	CallID        string     `json:"callId,omitempty"`
	CallLogID     string     `json:"callLogId,omitempty"`
	PhoneNumber   string     `json:"phoneNumber,omitempty"`
	CustomerName  string     `json:"customerName,omitempty"`
	Direction     string     `json:"direction,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EstablishedAt *time.Time `json:"establishedAt,omitempty"`

	DurationSeconds int  `json:"durationSeconds"`
	Muted           bool `json:"muted"`
	Volume          int  `json:"volume"`
	OnHold          bool `json:"onHold"`
	Recording       bool `json:"recording"`
	RecordingPaused bool `json:"recordingPaused"`

	Disposition string `json:"disposition,omitempty"`
	HungUpBy    string `json:"hungUpBy,omitempty"`

	KeepVisible   bool   `json:"keepVisible"`
	PendingNumber string `json:"pendingNumber,omitempty"`
}

// Stats are aggregate counters for the metrics collector.
type Stats struct {
	State              string
	CallsActive        int
	CallsByDisposition map[string]uint64
	RecordingsStarted  uint64
}
