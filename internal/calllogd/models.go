// Package calllogd implements the CRM-side call-log service the agent
// reports to: call-log entries, milestone updates and recording uploads.
package calllogd

import "time"

// CallLog is one call reported by an agent.
type CallLog struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customerId,omitempty"`
	CampaignID      string     `json:"campaignId,omitempty"`
	PhoneNumber     string     `json:"phoneNumber"`
	Direction       string     `json:"direction"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	HungUpBy        string     `json:"hungUpBy,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// CreateRequest is the payload for POST /call-logs.
type CreateRequest struct {
	CustomerID  string    `json:"customerId"`
	CampaignID  string    `json:"campaignId"`
	PhoneNumber string    `json:"phoneNumber"`
	Direction   string    `json:"direction"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
}

// UpdateRequest is the payload for PATCH /call-logs/{id}. Nil fields are
// left unchanged.
type UpdateRequest struct {
	Status          *string    `json:"status"`
	EndedAt         *time.Time `json:"endedAt"`
	DurationSeconds *int       `json:"durationSeconds"`
	HungUpBy        *string    `json:"hungUpBy"`
	Notes           *string    `json:"notes"`
}

// Recording is an uploaded call recording's stored metadata.
type Recording struct {
	ID              string    `json:"id"`
	CallLogID       string    `json:"callLogId"`
	CustomerID      string    `json:"customerId,omitempty"`
	CampaignID      string    `json:"campaignId,omitempty"`
	CustomerName    string    `json:"customerName,omitempty"`
	AgentName       string    `json:"agentName,omitempty"`
	PhoneNumber     string    `json:"phoneNumber,omitempty"`
	DurationSeconds int       `json:"durationSeconds"`
	FilePath        string    `json:"-"`
	SizeBytes       int64     `json:"sizeBytes"`
	UploadedAt      time.Time `json:"uploadedAt"`
}

// validStatuses are the call-log statuses the service accepts.
var validStatuses = map[string]bool{
	"initiated": true,
	"ringing":   true,
	"answered":  true,
	"completed": true,
	"cancelled": true,
	"failed":    true,
	"busy":      true,
	"no_answer": true,
}

// validDirections are the accepted call directions.
var validDirections = map[string]bool{
	"inbound":  true,
	"outbound": true,
}
