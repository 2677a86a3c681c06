package store

import (
	"context"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/queue"
)

type CreateTicketInput struct {
	RequestID         string
	DepartmentID      int64
	ServiceDate       time.Time
	Prefix            string
	PriorityRequested bool
	PatientName       string
	PatientPhone      string
	Reason            string
	CreatedAt         time.Time
}

type TransitionInput struct {
	TicketNo   string
	Action     queue.Action
	Actor      string
	OccurredAt time.Time
}

type CallNextInput struct {
	DepartmentID int64
	ServiceDate  time.Time
	CalledAt     time.Time
}

// Snapshot is a consistent read of one ticket, its department and the
// waiting set of its queue.
type Snapshot struct {
	Ticket     models.Ticket
	Department models.Department
	Waiting    []models.Ticket
}

type DepartmentDirectory interface {
	GetDepartment(ctx context.Context, id int64) (models.Department, error)
}

type TicketStore interface {
	DepartmentDirectory
	// CreateTicket allocates a ticket number and inserts a waiting ticket.
	// The bool is false when RequestID matched an existing ticket.
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketNo string) (models.Ticket, error)
	Snapshot(ctx context.Context, ticketNo string) (Snapshot, error)
	ListTickets(ctx context.Context, departmentID int64, serviceDate time.Time) ([]models.Ticket, error)
	ListTicketsByDate(ctx context.Context, serviceDate time.Time) ([]models.Ticket, error)
	// ApprovePriority returns changed=false when the ticket did not request
	// priority or was already approved.
	ApprovePriority(ctx context.Context, ticketNo string) (models.Ticket, bool, error)
	Transition(ctx context.Context, input TransitionInput) (models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	ExpireCalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Ticket, error)
	DailyStats(ctx context.Context, departmentID int64, serviceDate time.Time) (models.DailyStats, error)
}

type LogAppender interface {
	AppendLogs(ctx context.Context, entries []models.LogEntry) error
}
