package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/queue"
	"qms/token-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation     = "23505"
	requestIDConstraint = "tickets_request_id_key"
)

var errDuplicateRequest = errors.New("duplicate request id")

type Store struct {
	pool      *pgxpool.Pool
	allocator queue.Allocator
}

type Options struct {
	MaxAllocationAttempts int
	OnCollision           func()
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	return &Store{
		pool: pool,
		allocator: queue.Allocator{
			MaxAttempts: options.MaxAllocationAttempts,
			OnCollision: options.OnCollision,
		},
	}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetDepartment(ctx context.Context, id int64) (models.Department, error) {
	return getDepartment(ctx, s.pool, id)
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	if input.RequestID != "" {
		existing, found, err := findTicketByRequestID(ctx, s.pool, input.RequestID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}
	if input.CreatedAt.IsZero() {
		input.CreatedAt = time.Now().UTC()
	}

	var ticket models.Ticket
	_, err := s.allocator.Allocate(ctx, func(ctx context.Context, fn func(context.Context, queue.Round) error) error {
		created, err := s.allocationRound(ctx, input, fn)
		if err != nil {
			return err
		}
		ticket = created
		return nil
	})
	if errors.Is(err, errDuplicateRequest) {
		existing, found, lookupErr := findTicketByRequestID(ctx, s.pool, input.RequestID)
		if lookupErr != nil {
			return models.Ticket{}, false, lookupErr
		}
		if found {
			return existing, false, nil
		}
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// allocationRound runs one allocator round in its own transaction, holding
// the queue lock and then the number lock so concurrent rounds drawing from
// the same department or ticket number namespace read the max sequence one
// after another.
func (s *Store) allocationRound(ctx context.Context, input store.CreateTicketInput, fn func(context.Context, queue.Round) error) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err = lockQueue(ctx, tx, input.DepartmentID, input.ServiceDate); err != nil {
		return models.Ticket{}, err
	}
	if err = lockKey(ctx, tx, queue.NumberKey(input.Prefix, input.ServiceDate)); err != nil {
		return models.Ticket{}, err
	}

	round := &allocationRound{tx: tx, input: input}
	if err = fn(ctx, round); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return round.ticket, nil
}

type allocationRound struct {
	tx     pgx.Tx
	input  store.CreateTicketInput
	ticket models.Ticket
}

func (r *allocationRound) NextSequence(ctx context.Context) (int, error) {
	var next int
	row := r.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM tickets
		WHERE service_date = $2
		  AND (department_id = $1
		       OR (starts_with(ticket_no, $3) AND substr(ticket_no, length($3) + 1) ~ '^[0-9]+-[0-9]{8}$'))
	`, r.input.DepartmentID, r.input.ServiceDate, queue.NormalizePrefix(r.input.Prefix)+"-")
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// Insert runs inside a savepoint so a unique violation leaves the round's
// transaction usable for the next candidate.
func (r *allocationRound) Insert(ctx context.Context, seq int) error {
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return err
	}

	ticketNo := queue.FormatTicketNo(r.input.Prefix, seq, r.input.ServiceDate)
	row := sp.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_no, seq, department_id, service_date, patient_name, patient_phone, reason,
			priority_requested, status, request_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+ticketColumns(""), ticketNo, seq, r.input.DepartmentID, r.input.ServiceDate,
		r.input.PatientName, nullIfEmpty(r.input.PatientPhone), nullIfEmpty(r.input.Reason),
		r.input.PriorityRequested, models.StatusWaiting, nullIfEmpty(r.input.RequestID), r.input.CreatedAt)

	ticket, err := scanTicket(row)
	if err != nil {
		_ = sp.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == requestIDConstraint {
				return errDuplicateRequest
			}
			return queue.ErrSequenceTaken
		}
		return err
	}
	if err = sp.Commit(ctx); err != nil {
		return err
	}
	r.ticket = ticket
	return nil
}

func (s *Store) GetTicket(ctx context.Context, ticketNo string) (models.Ticket, error) {
	return getTicket(ctx, s.pool, ticketNo)
}

func (s *Store) Snapshot(ctx context.Context, ticketNo string) (store.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return store.Snapshot{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ticket, err := getTicket(ctx, tx, ticketNo)
	if err != nil {
		return store.Snapshot{}, err
	}
	department, err := getDepartment(ctx, tx, ticket.DepartmentID)
	if err != nil {
		return store.Snapshot{}, err
	}
	waiting, err := queryTickets(ctx, tx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE department_id = $1 AND service_date = $2 AND status = 'waiting'
	`, ticket.DepartmentID, ticket.ServiceDate)
	if err != nil {
		return store.Snapshot{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Ticket: ticket, Department: department, Waiting: waiting}, nil
}

func (s *Store) ListTickets(ctx context.Context, departmentID int64, serviceDate time.Time) ([]models.Ticket, error) {
	tickets, err := queryTickets(ctx, s.pool, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE department_id = $1 AND service_date = $2
	`, departmentID, serviceDate)
	if err != nil {
		return nil, err
	}
	queue.Sort(tickets)
	return tickets, nil
}

func (s *Store) ListTicketsByDate(ctx context.Context, serviceDate time.Time) ([]models.Ticket, error) {
	tickets, err := queryTickets(ctx, s.pool, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE service_date = $1
	`, serviceDate)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].DepartmentID != tickets[j].DepartmentID {
			return tickets[i].DepartmentID < tickets[j].DepartmentID
		}
		return queue.Ahead(tickets[i], tickets[j])
	})
	return tickets, nil
}

func (s *Store) ApprovePriority(ctx context.Context, ticketNo string) (models.Ticket, bool, error) {
	rule, _ := queue.RuleFor(queue.ActionApprovePriority)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET priority_approved = TRUE
		WHERE ticket_no = $1 AND status = ANY($2) AND priority_requested AND NOT priority_approved
		RETURNING `+ticketColumns(""), ticketNo, rule.From)
	ticket, err := scanTicket(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, err
		}
		current, err := getTicket(ctx, tx, ticketNo)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if current.PriorityRequested && !queue.ValidTransition(queue.ActionApprovePriority, current.Status) {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return current, false, nil
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.Ticket, error) {
	rule, ok := queue.RuleFor(input.Action)
	if !ok || input.Action == queue.ActionCall || input.Action == queue.ActionApprovePriority {
		return models.Ticket{}, store.ErrInvalidState
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	updateQuery := `
		UPDATE tickets
		SET status = $1
	`
	args := []any{rule.To}
	argPos := 2

	if rule.Stamp != queue.StampNone {
		updateQuery += fmt.Sprintf(", %s = $%d", rule.Stamp, argPos)
		args = append(args, occurredAt)
		argPos++
	}
	if rule.Stamp == queue.StampCancelled {
		updateQuery += fmt.Sprintf(", cancelled_by = $%d", argPos)
		args = append(args, input.Actor)
		argPos++
	}

	updateQuery += fmt.Sprintf(`
		WHERE ticket_no = $%d AND status = ANY($%d)
		RETURNING %s`, argPos, argPos+1, ticketColumns(""))
	args = append(args, input.TicketNo, rule.From)

	ticket, err := scanTicket(tx.QueryRow(ctx, updateQuery, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := getTicket(ctx, tx, input.TicketNo); err != nil {
				return models.Ticket{}, err
			}
			return models.Ticket{}, store.ErrInvalidState
		}
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	rule, _ := queue.RuleFor(queue.ActionCall)
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err = lockQueue(ctx, tx, input.DepartmentID, input.ServiceDate); err != nil {
		return models.Ticket{}, false, err
	}

	waiting, err := queryTickets(ctx, tx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE department_id = $1 AND service_date = $2 AND status = ANY($3)
		FOR UPDATE
	`, input.DepartmentID, input.ServiceDate, rule.From)
	if err != nil {
		return models.Ticket{}, false, err
	}

	next, found := queue.Next(waiting)
	if !found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, nil
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1, called_at = $2
		WHERE id = $3 AND status = ANY($4)
		RETURNING `+ticketColumns(""), rule.To, calledAt, next.ID, rule.From)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// ExpireCalled moves tickets that were called before cutoff to no-show.
// Rows locked by a concurrent staff action are skipped for this pass.
func (s *Store) ExpireCalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	rule, _ := queue.RuleFor(queue.ActionNoShow)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tickets, err := queryTickets(ctx, tx, `
		WITH expired AS (
			SELECT id
			FROM tickets
			WHERE status = 'called' AND called_at <= $1
			ORDER BY called_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE tickets
		SET status = $3
		FROM expired
		WHERE tickets.id = expired.id AND tickets.status = 'called'
		RETURNING `+ticketColumns("tickets."), cutoff, limit, rule.To)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) DailyStats(ctx context.Context, departmentID int64, serviceDate time.Time) (models.DailyStats, error) {
	stats := models.DailyStats{DepartmentID: departmentID, ServiceDate: serviceDate}
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'waiting'),
			COUNT(*) FILTER (WHERE status = 'called'),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'no_show'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (called_at - created_at))) FILTER (WHERE called_at IS NOT NULL), 0)::float8 / 60,
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - called_at))) FILTER (WHERE completed_at IS NOT NULL AND called_at IS NOT NULL), 0)::float8 / 60
		FROM tickets
		WHERE department_id = $1 AND service_date = $2
	`, departmentID, serviceDate)
	if err := row.Scan(&stats.Total, &stats.Waiting, &stats.Called, &stats.InProgress, &stats.Completed,
		&stats.Cancelled, &stats.NoShow, &stats.AvgWaitMinutes, &stats.AvgServiceMinutes); err != nil {
		return models.DailyStats{}, err
	}
	return stats, nil
}

func (s *Store) AppendLogs(ctx context.Context, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"logs"},
		[]string{"ticket_id", "ticket_no", "event", "actor", "created_at"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			createdAt := e.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			return []any{e.TicketID, e.TicketNo, e.Event, e.Actor, createdAt}, nil
		}),
	)
	return err
}

func lockQueue(ctx context.Context, tx pgx.Tx, departmentID int64, serviceDate time.Time) error {
	return lockKey(ctx, tx, queue.QueueKey(departmentID, serviceDate))
}

func lockKey(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func getDepartment(ctx context.Context, q querier, id int64) (models.Department, error) {
	var department models.Department
	row := q.QueryRow(ctx, `
		SELECT id, name, COALESCE(abbr, ''), COALESCE(avg_service_time, 0)
		FROM departments
		WHERE id = $1
	`, id)
	if err := row.Scan(&department.ID, &department.Name, &department.Abbr, &department.AvgServiceTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Department{}, store.ErrDepartmentNotFound
		}
		return models.Department{}, err
	}
	return department, nil
}

func getTicket(ctx context.Context, q querier, ticketNo string) (models.Ticket, error) {
	ticket, err := scanTicket(q.QueryRow(ctx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE ticket_no = $1
	`, ticketNo))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func findTicketByRequestID(ctx context.Context, q querier, requestID string) (models.Ticket, bool, error) {
	ticket, err := scanTicket(q.QueryRow(ctx, `
		SELECT `+ticketColumns("")+`
		FROM tickets
		WHERE request_id = $1
	`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func ticketColumns(prefix string) string {
	columns := []string{
		"id", "ticket_no", "seq", "department_id", "service_date", "patient_name", "patient_phone",
		"reason", "priority_requested", "priority_approved", "status", "request_id", "created_at",
		"called_at", "completed_at", "cancelled_at", "cancelled_by",
	}
	for i := range columns {
		columns[i] = prefix + columns[i]
	}
	return strings.Join(columns, ", ")
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var phone, reason, requestID *string
	if err := row.Scan(&ticket.ID, &ticket.TicketNo, &ticket.Seq, &ticket.DepartmentID, &ticket.ServiceDate,
		&ticket.PatientName, &phone, &reason, &ticket.PriorityRequested, &ticket.PriorityApproved,
		&ticket.Status, &requestID, &ticket.CreatedAt, &ticket.CalledAt, &ticket.CompletedAt,
		&ticket.CancelledAt, &ticket.CancelledBy); err != nil {
		return models.Ticket{}, err
	}
	ticket.PatientPhone = deref(phone)
	ticket.Reason = deref(reason)
	ticket.RequestID = deref(requestID)
	return ticket, nil
}

func queryTickets(ctx context.Context, q querier, sql string, args ...any) ([]models.Ticket, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
