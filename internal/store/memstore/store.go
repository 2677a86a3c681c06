// Package memstore is an in-process TicketStore used for local runs and tests.
// It follows the same allocation and lifecycle rules as the postgres store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/queue"
	"qms/token-service/internal/store"
)

type Store struct {
	mu          sync.Mutex
	allocator   queue.Allocator
	departments map[int64]models.Department
	tickets     map[string]*models.Ticket
	byRequest   map[string]string
	logs        []models.LogEntry
	nextID      int64

	queueMu    sync.Mutex
	queueLocks map[string]*sync.Mutex

	// failInsert, when set, is consulted before each insert. Tests use it to
	// simulate a concurrent allocator taking a number.
	failInsert func(seq int) bool
}

type Options struct {
	MaxAllocationAttempts int
	OnCollision           func()
}

func New(options Options) *Store {
	return &Store{
		allocator: queue.Allocator{
			MaxAttempts: options.MaxAllocationAttempts,
			OnCollision: options.OnCollision,
		},
		departments: map[int64]models.Department{},
		tickets:     map[string]*models.Ticket{},
		byRequest:   map[string]string{},
		queueLocks:  map[string]*sync.Mutex{},
	}
}

// AddDepartment registers a department. A zero id is assigned the next free one.
func (s *Store) AddDepartment(department models.Department) models.Department {
	s.mu.Lock()
	defer s.mu.Unlock()
	if department.ID == 0 {
		for id := int64(1); ; id++ {
			if _, taken := s.departments[id]; !taken {
				department.ID = id
				break
			}
		}
	}
	s.departments[department.ID] = department
	return department
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) GetDepartment(_ context.Context, id int64) (models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	department, ok := s.departments[id]
	if !ok {
		return models.Department{}, store.ErrDepartmentNotFound
	}
	return department, nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	if input.RequestID != "" {
		if existing, ok := s.findByRequest(input.RequestID); ok {
			return existing, false, nil
		}
	}
	if _, err := s.GetDepartment(ctx, input.DepartmentID); err != nil {
		return models.Ticket{}, false, err
	}
	if input.CreatedAt.IsZero() {
		input.CreatedAt = time.Now().UTC()
	}

	unlock := s.lockQueue(input.DepartmentID, input.ServiceDate)
	defer unlock()
	unlockNumbers := s.lockKey(queue.NumberKey(input.Prefix, input.ServiceDate))
	defer unlockNumbers()

	// The queue lock serialises allocators, so a request id race can only be
	// observed here, after the lock is held.
	if input.RequestID != "" {
		if existing, ok := s.findByRequest(input.RequestID); ok {
			return existing, false, nil
		}
	}

	var ticket models.Ticket
	_, err := s.allocator.Allocate(ctx, func(ctx context.Context, fn func(context.Context, queue.Round) error) error {
		round := &round{store: s, input: input}
		if err := fn(ctx, round); err != nil {
			return err
		}
		ticket = round.ticket
		return nil
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

type round struct {
	store  *Store
	input  store.CreateTicketInput
	ticket models.Ticket
}

func (r *round) NextSequence(context.Context) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	max := 0
	for _, t := range r.store.tickets {
		if t.Seq <= max || !t.ServiceDate.Equal(r.input.ServiceDate) {
			continue
		}
		if t.DepartmentID == r.input.DepartmentID || queue.InNamespace(t.TicketNo, r.input.Prefix, r.input.ServiceDate) {
			max = t.Seq
		}
	}
	return max + 1, nil
}

func (r *round) Insert(_ context.Context, seq int) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failInsert != nil && s.failInsert(seq) {
		return queue.ErrSequenceTaken
	}
	ticketNo := queue.FormatTicketNo(r.input.Prefix, seq, r.input.ServiceDate)
	if _, taken := s.tickets[ticketNo]; taken {
		return queue.ErrSequenceTaken
	}
	for _, t := range s.tickets {
		if t.DepartmentID == r.input.DepartmentID && t.ServiceDate.Equal(r.input.ServiceDate) && t.Seq == seq {
			return queue.ErrSequenceTaken
		}
	}

	s.nextID++
	ticket := models.Ticket{
		ID:                s.nextID,
		TicketNo:          ticketNo,
		Seq:               seq,
		DepartmentID:      r.input.DepartmentID,
		ServiceDate:       r.input.ServiceDate,
		PatientName:       r.input.PatientName,
		PatientPhone:      r.input.PatientPhone,
		Reason:            r.input.Reason,
		PriorityRequested: r.input.PriorityRequested,
		Status:            models.StatusWaiting,
		RequestID:         r.input.RequestID,
		CreatedAt:         r.input.CreatedAt,
	}
	s.tickets[ticketNo] = &ticket
	if ticket.RequestID != "" {
		s.byRequest[ticket.RequestID] = ticketNo
	}
	r.ticket = ticket
	return nil
}

func (s *Store) GetTicket(_ context.Context, ticketNo string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketNo]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *ticket, nil
}

func (s *Store) Snapshot(_ context.Context, ticketNo string) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketNo]
	if !ok {
		return store.Snapshot{}, store.ErrTicketNotFound
	}
	department, ok := s.departments[ticket.DepartmentID]
	if !ok {
		return store.Snapshot{}, store.ErrDepartmentNotFound
	}
	var waiting []models.Ticket
	for _, t := range s.tickets {
		if t.Status == models.StatusWaiting && t.DepartmentID == ticket.DepartmentID && t.ServiceDate.Equal(ticket.ServiceDate) {
			waiting = append(waiting, *t)
		}
	}
	return store.Snapshot{Ticket: *ticket, Department: department, Waiting: waiting}, nil
}

func (s *Store) ListTickets(_ context.Context, departmentID int64, serviceDate time.Time) ([]models.Ticket, error) {
	s.mu.Lock()
	tickets := s.collect(func(t *models.Ticket) bool {
		return t.DepartmentID == departmentID && t.ServiceDate.Equal(serviceDate)
	})
	s.mu.Unlock()
	queue.Sort(tickets)
	return tickets, nil
}

func (s *Store) ListTicketsByDate(_ context.Context, serviceDate time.Time) ([]models.Ticket, error) {
	s.mu.Lock()
	tickets := s.collect(func(t *models.Ticket) bool {
		return t.ServiceDate.Equal(serviceDate)
	})
	s.mu.Unlock()
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].DepartmentID != tickets[j].DepartmentID {
			return tickets[i].DepartmentID < tickets[j].DepartmentID
		}
		return queue.Ahead(tickets[i], tickets[j])
	})
	return tickets, nil
}

func (s *Store) ApprovePriority(_ context.Context, ticketNo string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketNo]
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	if !ticket.PriorityRequested {
		return *ticket, false, nil
	}
	if !queue.ValidTransition(queue.ActionApprovePriority, ticket.Status) {
		return models.Ticket{}, false, store.ErrInvalidState
	}
	if ticket.PriorityApproved {
		return *ticket, false, nil
	}
	ticket.PriorityApproved = true
	return *ticket, true, nil
}

func (s *Store) Transition(_ context.Context, input store.TransitionInput) (models.Ticket, error) {
	rule, ok := queue.RuleFor(input.Action)
	if !ok || input.Action == queue.ActionCall || input.Action == queue.ActionApprovePriority {
		return models.Ticket{}, store.ErrInvalidState
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[input.TicketNo]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !queue.ValidTransition(input.Action, ticket.Status) {
		return models.Ticket{}, store.ErrInvalidState
	}
	applyRule(ticket, rule, occurredAt, input.Actor)
	return *ticket, nil
}

func (s *Store) CallNext(_ context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	rule, _ := queue.RuleFor(queue.ActionCall)
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	unlock := s.lockQueue(input.DepartmentID, input.ServiceDate)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	waiting := s.collect(func(t *models.Ticket) bool {
		return t.DepartmentID == input.DepartmentID && t.ServiceDate.Equal(input.ServiceDate)
	})
	next, found := queue.Next(waiting)
	if !found {
		return models.Ticket{}, false, nil
	}
	ticket := s.tickets[next.TicketNo]
	applyRule(ticket, rule, calledAt, "")
	return *ticket, true, nil
}

func (s *Store) ExpireCalled(_ context.Context, cutoff time.Time, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	rule, _ := queue.RuleFor(queue.ActionNoShow)

	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := s.collect(func(t *models.Ticket) bool {
		return t.Status == models.StatusCalled && t.CalledAt != nil && !t.CalledAt.After(cutoff)
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CalledAt.Before(*candidates[j].CalledAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	expired := make([]models.Ticket, 0, len(candidates))
	for _, c := range candidates {
		ticket := s.tickets[c.TicketNo]
		applyRule(ticket, rule, cutoff, "")
		expired = append(expired, *ticket)
	}
	return expired, nil
}

func (s *Store) DailyStats(_ context.Context, departmentID int64, serviceDate time.Time) (models.DailyStats, error) {
	stats := models.DailyStats{DepartmentID: departmentID, ServiceDate: serviceDate}

	s.mu.Lock()
	defer s.mu.Unlock()
	var waitTotal, serviceTotal time.Duration
	var waitCount, serviceCount int
	for _, t := range s.tickets {
		if t.DepartmentID != departmentID || !t.ServiceDate.Equal(serviceDate) {
			continue
		}
		stats.Total++
		switch t.Status {
		case models.StatusWaiting:
			stats.Waiting++
		case models.StatusCalled:
			stats.Called++
		case models.StatusInProgress:
			stats.InProgress++
		case models.StatusCompleted:
			stats.Completed++
		case models.StatusCancelled:
			stats.Cancelled++
		case models.StatusNoShow:
			stats.NoShow++
		}
		if t.CalledAt != nil {
			waitTotal += t.CalledAt.Sub(t.CreatedAt)
			waitCount++
			if t.CompletedAt != nil {
				serviceTotal += t.CompletedAt.Sub(*t.CalledAt)
				serviceCount++
			}
		}
	}
	if waitCount > 0 {
		stats.AvgWaitMinutes = waitTotal.Minutes() / float64(waitCount)
	}
	if serviceCount > 0 {
		stats.AvgServiceMinutes = serviceTotal.Minutes() / float64(serviceCount)
	}
	return stats, nil
}

func (s *Store) AppendLogs(_ context.Context, entries []models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entries...)
	return nil
}

// Logs returns a copy of the appended audit entries.
func (s *Store) Logs() []models.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LogEntry(nil), s.logs...)
}

// FailInsertWhen installs a hook that rejects inserts as already taken.
func (s *Store) FailInsertWhen(fn func(seq int) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInsert = fn
}

func (s *Store) findByRequest(requestID string) (models.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticketNo, ok := s.byRequest[requestID]
	if !ok {
		return models.Ticket{}, false
	}
	return *s.tickets[ticketNo], true
}

// collect copies matching tickets. Caller holds s.mu.
func (s *Store) collect(match func(*models.Ticket) bool) []models.Ticket {
	var out []models.Ticket
	for _, t := range s.tickets {
		if match(t) {
			out = append(out, *t)
		}
	}
	return out
}

func (s *Store) lockQueue(departmentID int64, serviceDate time.Time) func() {
	return s.lockKey(queue.QueueKey(departmentID, serviceDate))
}

// lockKey holds a named lock. Callers taking several take the queue key first.
func (s *Store) lockKey(key string) func() {
	s.queueMu.Lock()
	lock, ok := s.queueLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.queueLocks[key] = lock
	}
	s.queueMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func applyRule(ticket *models.Ticket, rule queue.Rule, at time.Time, actor string) {
	ticket.Status = rule.To
	stamp := at
	switch rule.Stamp {
	case queue.StampCalled:
		ticket.CalledAt = &stamp
	case queue.StampCompleted:
		ticket.CompletedAt = &stamp
	case queue.StampCancelled:
		ticket.CancelledAt = &stamp
		by := actor
		ticket.CancelledBy = &by
	}
}
