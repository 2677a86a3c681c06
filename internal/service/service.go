// Package service orchestrates ticket operations on top of a TicketStore:
// input validation, error classification, position and ETA views, audit
// emission, tracing and metrics.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/token-service/internal/audit"
	"qms/token-service/internal/models"
	"qms/token-service/internal/queue"
	"qms/token-service/internal/store"
	"qms/token-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ActorPatient  = "patient"
	ActorSystem   = "system"
	DefaultReason = "Visit"
)

type Config struct {
	Location        *time.Location
	NoShowGrace     time.Duration
	NoShowBatchSize int
}

type Service struct {
	store   store.TicketStore
	audit   audit.Sink
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	location        *time.Location
	noShowGrace     time.Duration
	noShowBatchSize int
	now             func() time.Time
}

func New(st store.TicketStore, sink audit.Sink, cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Service {
	if sink == nil {
		sink = audit.Discard{}
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	batch := cfg.NoShowBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Service{
		store:           st,
		audit:           sink,
		logger:          logger.With().Str("component", "service").Logger(),
		metrics:         metrics,
		tracer:          telemetry.Tracer(),
		location:        location,
		noShowGrace:     cfg.NoShowGrace,
		noShowBatchSize: batch,
		now:             time.Now,
	}
}

type CreateTicketRequest struct {
	RequestID         string `json:"request_id,omitempty"`
	DepartmentID      int64  `json:"department_id"`
	Date              string `json:"date,omitempty"`
	PatientName       string `json:"patient_name"`
	PatientPhone      string `json:"patient_phone"`
	Reason            string `json:"reason,omitempty"`
	PriorityRequested bool   `json:"priority_requested"`
}

// TicketView is a ticket plus its live queue position. Position and ETA are
// only present while the ticket is waiting.
type TicketView struct {
	models.Ticket
	ServiceDate          string `json:"service_date"`
	DepartmentName       string `json:"department_name,omitempty"`
	PositionAhead        *int   `json:"position_ahead"`
	EstimatedWaitMinutes *int   `json:"estimated_wait_minutes"`
}

// ParseServiceDate reads a YYYY-MM-DD date. An empty value means today in the
// service time zone.
func (s *Service) ParseServiceDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return queue.DateOf(s.now().In(s.location)), nil
	}
	date, err := queue.ParseDate(raw)
	if err != nil {
		return time.Time{}, &Error{Kind: KindInvalidInput, Message: "date must be YYYY-MM-DD", Cause: err}
	}
	return date, nil
}

// CreateTicket issues a new waiting ticket. The bool is false when the
// request id replayed an earlier ticket.
func (s *Service) CreateTicket(ctx context.Context, req CreateTicketRequest) (view TicketView, created bool, err error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateTicket",
		trace.WithAttributes(attribute.Int64("department.id", req.DepartmentID)))
	defer func() { endSpan(span, err) }()

	// The service date is fixed here, before any store work, so a request
	// that straddles midnight still lands on one day.
	now := s.now()
	serviceDate, err := s.ParseServiceDate(req.Date)
	if err != nil {
		return TicketView{}, false, err
	}
	input, err := s.validateCreate(req)
	if err != nil {
		return TicketView{}, false, err
	}

	department, err := s.store.GetDepartment(ctx, req.DepartmentID)
	if err != nil {
		if errors.Is(err, store.ErrDepartmentNotFound) {
			return TicketView{}, false, &Error{Kind: KindInvalidInput, Message: "unknown department", Cause: err}
		}
		return TicketView{}, false, mapStoreError(err)
	}

	input.ServiceDate = serviceDate
	input.Prefix = department.Abbr
	input.CreatedAt = now.UTC()

	ticket, created, err := s.store.CreateTicket(ctx, input)
	if err != nil {
		if errors.Is(err, queue.ErrAllocationExhausted) {
			s.metrics.AllocationExhausted()
			s.logger.Warn().Int64("department_id", req.DepartmentID).Msg("ticket number allocation exhausted")
		}
		return TicketView{}, false, mapStoreError(err)
	}

	if created {
		s.metrics.TicketCreated(ticket.DepartmentID)
		s.emit(ticket, queue.EventCreated, ActorPatient, now)
		s.logger.Info().Str("ticket_no", ticket.TicketNo).Int64("department_id", ticket.DepartmentID).Msg("ticket created")
	}
	span.SetAttributes(attribute.String("ticket.no", ticket.TicketNo))

	view, err = s.view(ctx, ticket.TicketNo)
	if err != nil {
		return TicketView{}, false, err
	}
	return view, created, nil
}

func (s *Service) validateCreate(req CreateTicketRequest) (store.CreateTicketInput, error) {
	if req.DepartmentID <= 0 {
		return store.CreateTicketInput{}, invalidInput("department_id is required")
	}
	name := strings.TrimSpace(req.PatientName)
	if name == "" {
		return store.CreateTicketInput{}, invalidInput("patient_name is required")
	}
	phone := strings.TrimSpace(req.PatientPhone)
	if !isValidPhone(phone) {
		return store.CreateTicketInput{}, invalidInput("patient_phone must be 8-16 digits")
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID != "" {
		if _, err := uuid.Parse(requestID); err != nil {
			return store.CreateTicketInput{}, invalidInput("request_id must be a UUID")
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultReason
	}
	return store.CreateTicketInput{
		RequestID:         requestID,
		DepartmentID:      req.DepartmentID,
		PriorityRequested: req.PriorityRequested,
		PatientName:       name,
		PatientPhone:      phone,
		Reason:            reason,
	}, nil
}

func (s *Service) GetTicket(ctx context.Context, ticketNo string) (view TicketView, err error) {
	ctx, span := s.tracer.Start(ctx, "service.GetTicket")
	defer func() { endSpan(span, err) }()

	ticketNo = strings.TrimSpace(ticketNo)
	if ticketNo == "" {
		return TicketView{}, invalidInput("ticket number is required")
	}
	return s.view(ctx, ticketNo)
}

// CancelTicket cancels a waiting or called ticket on behalf of actor.
func (s *Service) CancelTicket(ctx context.Context, ticketNo, actor string) (ticket models.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelTicket")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(actor) == "" {
		actor = ActorPatient
	}
	return s.transition(ctx, ticketNo, queue.ActionCancel, actor)
}

// UpdateStatus applies a staff requested status. Waiting and Called cannot be
// set directly; Called is reached through CallNext.
func (s *Service) UpdateStatus(ctx context.Context, ticketNo, rawStatus, actor string) (ticket models.Ticket, err error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdateStatus")
	defer func() { endSpan(span, err) }()

	status, ok := models.ParseStatus(rawStatus)
	if !ok {
		return models.Ticket{}, invalidInput("unknown status %q", rawStatus)
	}
	action, ok := queue.ActionForStatus(status)
	if !ok {
		return models.Ticket{}, invalidInput("status %q cannot be set directly", rawStatus)
	}
	return s.transition(ctx, ticketNo, action, actor)
}

func (s *Service) transition(ctx context.Context, ticketNo string, action queue.Action, actor string) (models.Ticket, error) {
	ticketNo = strings.TrimSpace(ticketNo)
	if ticketNo == "" {
		return models.Ticket{}, invalidInput("ticket number is required")
	}
	now := s.now()
	ticket, err := s.store.Transition(ctx, store.TransitionInput{
		TicketNo:   ticketNo,
		Action:     action,
		Actor:      actor,
		OccurredAt: now.UTC(),
	})
	if err != nil {
		return models.Ticket{}, mapStoreError(err)
	}

	rule, _ := queue.RuleFor(action)
	s.metrics.Transition(rule.Event)
	s.emit(ticket, rule.Event, actor, now)
	s.logger.Info().Str("ticket_no", ticket.TicketNo).Str("status", ticket.Status).Str("actor", actor).Msg("ticket transitioned")
	return ticket, nil
}

// ApprovePriority approves a requested priority. Tickets that never asked for
// priority, or were already approved, are returned unchanged.
func (s *Service) ApprovePriority(ctx context.Context, ticketNo, actor string) (ticket models.Ticket, changed bool, err error) {
	ctx, span := s.tracer.Start(ctx, "service.ApprovePriority")
	defer func() { endSpan(span, err) }()

	ticketNo = strings.TrimSpace(ticketNo)
	if ticketNo == "" {
		return models.Ticket{}, false, invalidInput("ticket number is required")
	}
	now := s.now()
	ticket, changed, err = s.store.ApprovePriority(ctx, ticketNo)
	if err != nil {
		return models.Ticket{}, false, mapStoreError(err)
	}
	if changed {
		rule, _ := queue.RuleFor(queue.ActionApprovePriority)
		s.metrics.Transition(rule.Event)
		s.emit(ticket, rule.Event, actor, now)
	}
	return ticket, changed, nil
}

// CallNext calls the top ranked waiting ticket of a department queue. found is
// false when nobody is waiting.
func (s *Service) CallNext(ctx context.Context, departmentID int64, serviceDate time.Time, actor string) (ticket models.Ticket, found bool, err error) {
	ctx, span := s.tracer.Start(ctx, "service.CallNext",
		trace.WithAttributes(attribute.Int64("department.id", departmentID)))
	defer func() { endSpan(span, err) }()

	if _, err = s.department(ctx, departmentID); err != nil {
		return models.Ticket{}, false, err
	}
	now := s.now()
	ticket, found, err = s.store.CallNext(ctx, store.CallNextInput{
		DepartmentID: departmentID,
		ServiceDate:  serviceDate,
		CalledAt:     now.UTC(),
	})
	if err != nil {
		return models.Ticket{}, false, mapStoreError(err)
	}
	s.metrics.CallNext(found)
	if !found {
		return models.Ticket{}, false, nil
	}

	rule, _ := queue.RuleFor(queue.ActionCall)
	s.metrics.Transition(rule.Event)
	s.emit(ticket, rule.Event, actor, now)
	s.logger.Info().Str("ticket_no", ticket.TicketNo).Str("actor", actor).Msg("ticket called")
	return ticket, true, nil
}

// ListTickets returns a department's tickets for a date, most senior first.
func (s *Service) ListTickets(ctx context.Context, departmentID int64, serviceDate time.Time) (views []TicketView, err error) {
	ctx, span := s.tracer.Start(ctx, "service.ListTickets",
		trace.WithAttributes(attribute.Int64("department.id", departmentID)))
	defer func() { endSpan(span, err) }()

	department, err := s.department(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	tickets, err := s.store.ListTickets(ctx, departmentID, serviceDate)
	if err != nil {
		return nil, mapStoreError(err)
	}
	views = make([]TicketView, 0, len(tickets))
	for _, ticket := range tickets {
		views = append(views, buildView(ticket, department, tickets))
	}
	return views, nil
}

// ListTicketsByDate returns every ticket of a date grouped by department.
func (s *Service) ListTicketsByDate(ctx context.Context, serviceDate time.Time) (views []TicketView, err error) {
	ctx, span := s.tracer.Start(ctx, "service.ListTicketsByDate")
	defer func() { endSpan(span, err) }()

	tickets, err := s.store.ListTicketsByDate(ctx, serviceDate)
	if err != nil {
		return nil, mapStoreError(err)
	}

	departments := map[int64]models.Department{}
	byDepartment := map[int64][]models.Ticket{}
	for _, ticket := range tickets {
		byDepartment[ticket.DepartmentID] = append(byDepartment[ticket.DepartmentID], ticket)
	}
	views = make([]TicketView, 0, len(tickets))
	for _, ticket := range tickets {
		department, ok := departments[ticket.DepartmentID]
		if !ok {
			department, err = s.store.GetDepartment(ctx, ticket.DepartmentID)
			if err != nil {
				return nil, mapStoreError(err)
			}
			departments[ticket.DepartmentID] = department
		}
		views = append(views, buildView(ticket, department, byDepartment[ticket.DepartmentID]))
	}
	return views, nil
}

func (s *Service) DailyStats(ctx context.Context, departmentID int64, serviceDate time.Time) (stats models.DailyStats, err error) {
	ctx, span := s.tracer.Start(ctx, "service.DailyStats")
	defer func() { endSpan(span, err) }()

	if _, err = s.department(ctx, departmentID); err != nil {
		return models.DailyStats{}, err
	}
	stats, err = s.store.DailyStats(ctx, departmentID, serviceDate)
	if err != nil {
		return models.DailyStats{}, mapStoreError(err)
	}
	return stats, nil
}

func (s *Service) department(ctx context.Context, departmentID int64) (models.Department, error) {
	if departmentID <= 0 {
		return models.Department{}, invalidInput("department id must be positive")
	}
	department, err := s.store.GetDepartment(ctx, departmentID)
	if err != nil {
		return models.Department{}, mapStoreError(err)
	}
	return department, nil
}

func (s *Service) view(ctx context.Context, ticketNo string) (TicketView, error) {
	snapshot, err := s.store.Snapshot(ctx, ticketNo)
	if err != nil {
		return TicketView{}, mapStoreError(err)
	}
	return buildView(snapshot.Ticket, snapshot.Department, snapshot.Waiting), nil
}

// ViewOf renders a ticket without queue position, for mutation responses.
func ViewOf(ticket models.Ticket) TicketView {
	return TicketView{Ticket: ticket, ServiceDate: queue.FormatDate(ticket.ServiceDate)}
}

func buildView(ticket models.Ticket, department models.Department, queueTickets []models.Ticket) TicketView {
	view := TicketView{
		Ticket:         ticket,
		ServiceDate:    queue.FormatDate(ticket.ServiceDate),
		DepartmentName: department.Name,
	}
	if ticket.Status == models.StatusWaiting {
		position := queue.PositionAhead(ticket, queueTickets)
		eta := queue.EstimateWait(position, department.ServiceMinutes())
		view.PositionAhead = &position
		view.EstimatedWaitMinutes = &eta
	}
	return view
}

func (s *Service) emit(ticket models.Ticket, event, actor string, at time.Time) {
	s.audit.Append(models.LogEntry{
		TicketID:  ticket.ID,
		TicketNo:  ticket.TicketNo,
		Event:     event,
		Actor:     actor,
		CreatedAt: at.UTC(),
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isValidPhone(value string) bool {
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
