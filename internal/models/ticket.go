package models

import (
	"strings"
	"time"
)

type Ticket struct {
	ID                int64      `json:"id"`
	TicketNo          string     `json:"ticket_no"`
	Seq               int        `json:"seq"`
	DepartmentID      int64      `json:"department_id"`
	ServiceDate       time.Time  `json:"service_date"`
	PatientName       string     `json:"patient_name"`
	PatientPhone      string     `json:"patient_phone,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	PriorityRequested bool       `json:"priority_requested"`
	PriorityApproved  bool       `json:"priority_approved"`
	Status            string     `json:"status"`
	RequestID         string     `json:"request_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CalledAt          *time.Time `json:"called_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy       *string    `json:"cancelled_by,omitempty"`
}

const (
	StatusWaiting    = "waiting"
	StatusCalled     = "called"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusNoShow     = "no_show"
)

var statusAliases = map[string]string{
	"waiting":     StatusWaiting,
	"called":      StatusCalled,
	"in_progress": StatusInProgress,
	"in-progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"completed":   StatusCompleted,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"no_show":     StatusNoShow,
	"no-show":     StatusNoShow,
	"noshow":      StatusNoShow,
}

// ParseStatus accepts both the stored form ("in_progress") and the display
// form ("In-Progress").
func ParseStatus(raw string) (string, bool) {
	status, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return status, ok
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}
