package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store/memstore"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cardiologyDay = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	entries []models.LogEntry
}

func (s *recordingSink) Append(entry models.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *recordingSink) events(ticketNo string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		if e.TicketNo == ticketNo {
			out = append(out, e.Event+":"+e.Actor)
		}
	}
	return out
}

// clock advances one minute per reading so arrival order is deterministic.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixture struct {
	svc   *Service
	store *memstore.Store
	sink  *recordingSink
	dept  models.Department
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	st := memstore.New(memstore.Options{})
	dept := st.AddDepartment(models.Department{Name: "Cardiology", Abbr: "CARD", AvgServiceTime: 10})
	sink := &recordingSink{}
	svc := New(st, sink, cfg, zerolog.Nop(), nil)
	c := &clock{now: cardiologyDay.Add(8 * time.Hour)}
	svc.now = c.Now
	return fixture{svc: svc, store: st, sink: sink, dept: dept}
}

func (f fixture) create(t *testing.T, name string, priority bool) TicketView {
	t.Helper()
	view, created, err := f.svc.CreateTicket(context.Background(), CreateTicketRequest{
		DepartmentID:      f.dept.ID,
		Date:              "2024-01-01",
		PatientName:       name,
		PatientPhone:      "5551234567",
		PriorityRequested: priority,
	})
	require.NoError(t, err)
	require.True(t, created)
	return view
}

func (f fixture) position(t *testing.T, ticketNo string) (int, int) {
	t.Helper()
	view, err := f.svc.GetTicket(context.Background(), ticketNo)
	require.NoError(t, err)
	require.NotNil(t, view.PositionAhead, ticketNo)
	return *view.PositionAhead, *view.EstimatedWaitMinutes
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	var svcErr *Error
	require.True(t, errors.As(err, &svcErr), "expected service error, got %v", err)
	assert.Equal(t, kind, svcErr.Kind, svcErr.Error())
}

func TestCardiologyScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first := f.create(t, "Ana", false)
	assert.Equal(t, "CARD-001-20240101", first.TicketNo)
	assert.Equal(t, "2024-01-01", first.ServiceDate)
	assert.Equal(t, "Visit", first.Reason)
	assert.Equal(t, 0, *first.PositionAhead)
	assert.Equal(t, 0, *first.EstimatedWaitMinutes)

	second := f.create(t, "Budi", false)
	assert.Equal(t, "CARD-002-20240101", second.TicketNo)
	assert.Equal(t, 1, *second.PositionAhead)
	assert.Equal(t, 10, *second.EstimatedWaitMinutes)

	urgent := f.create(t, "Citra", true)
	assert.Equal(t, "CARD-003-20240101", urgent.TicketNo)
	assert.Equal(t, 2, *urgent.PositionAhead)

	approved, changed, err := f.svc.ApprovePriority(ctx, urgent.TicketNo, "dr.rina")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, approved.PriorityApproved)

	pos, eta := f.position(t, urgent.TicketNo)
	assert.Equal(t, 0, pos)
	assert.Equal(t, 0, eta)
	pos, eta = f.position(t, first.TicketNo)
	assert.Equal(t, 1, pos)
	assert.Equal(t, 10, eta)
	pos, eta = f.position(t, second.TicketNo)
	assert.Equal(t, 2, pos)
	assert.Equal(t, 20, eta)

	called, found, err := f.svc.CallNext(ctx, f.dept.ID, cardiologyDay, "nurse.ina")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, urgent.TicketNo, called.TicketNo)
	assert.Equal(t, models.StatusCalled, called.Status)
	require.NotNil(t, called.CalledAt)

	pos, _ = f.position(t, first.TicketNo)
	assert.Equal(t, 0, pos)

	calledView, err := f.svc.GetTicket(ctx, urgent.TicketNo)
	require.NoError(t, err)
	assert.Nil(t, calledView.PositionAhead)

	cancelled, err := f.svc.CancelTicket(ctx, first.TicketNo, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, ActorPatient, *cancelled.CancelledBy)

	pos, _ = f.position(t, second.TicketNo)
	assert.Equal(t, 0, pos)

	fourth := f.create(t, "Dewi", false)
	assert.Equal(t, "CARD-004-20240101", fourth.TicketNo)

	assert.Equal(t, []string{"created:patient", "approved_priority:dr.rina", "called:nurse.ina"}, f.sink.events(urgent.TicketNo))
	assert.Equal(t, []string{"created:patient", "cancelled:patient"}, f.sink.events(first.TicketNo))
}

func TestCreateTicketValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	valid := CreateTicketRequest{DepartmentID: f.dept.ID, PatientName: "Ana", PatientPhone: "5551234567"}

	cases := []struct {
		name string
		edit func(*CreateTicketRequest)
	}{
		{"missing department", func(r *CreateTicketRequest) { r.DepartmentID = 0 }},
		{"missing name", func(r *CreateTicketRequest) { r.PatientName = "  " }},
		{"short phone", func(r *CreateTicketRequest) { r.PatientPhone = "1234" }},
		{"phone with letters", func(r *CreateTicketRequest) { r.PatientPhone = "55512345ab" }},
		{"bad date", func(r *CreateTicketRequest) { r.Date = "01/01/2024" }},
		{"bad request id", func(r *CreateTicketRequest) { r.RequestID = "not-a-uuid" }},
		{"unknown department", func(r *CreateTicketRequest) { r.DepartmentID = 404 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.edit(&req)
			_, _, err := f.svc.CreateTicket(ctx, req)
			requireKind(t, err, KindInvalidInput)
		})
	}

	list, err := f.store.ListTicketsByDate(ctx, cardiologyDay)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateTicketDefaultsDateInLocation(t *testing.T) {
	f := newFixture(t, Config{Location: time.FixedZone("WIB", 7*3600)})
	c := &clock{now: time.Date(2024, 1, 1, 17, 30, 0, 0, time.UTC)}
	f.svc.now = c.Now

	view, _, err := f.svc.CreateTicket(context.Background(), CreateTicketRequest{
		DepartmentID: f.dept.ID,
		PatientName:  "Ana",
		PatientPhone: "5551234567",
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02", view.ServiceDate)
	assert.Equal(t, "CARD-001-20240102", view.TicketNo)
}

func TestCreateTicketReplaysRequestID(t *testing.T) {
	f := newFixture(t, Config{})
	req := CreateTicketRequest{
		RequestID:    uuid.NewString(),
		DepartmentID: f.dept.ID,
		Date:         "2024-01-01",
		PatientName:  "Ana",
		PatientPhone: "5551234567",
	}

	first, created, err := f.svc.CreateTicket(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := f.svc.CreateTicket(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TicketNo, second.TicketNo)
	assert.Len(t, f.sink.events(first.TicketNo), 1)
}

func TestCreateTicketConcurrentUnique(t *testing.T) {
	f := newFixture(t, Config{})
	const n = 40
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, _, err := f.svc.CreateTicket(context.Background(), CreateTicketRequest{
				DepartmentID: f.dept.ID,
				Date:         "2024-01-01",
				PatientName:  "Ana",
				PatientPhone: "5551234567",
			})
			assert.NoError(t, err)
			numbers <- view.TicketNo
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for no := range numbers {
		assert.False(t, seen[no], "duplicate %s", no)
		seen[no] = true
	}
	assert.Len(t, seen, n)
}

func TestCreateTicketAllocationExhausted(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.FailInsertWhen(func(int) bool { return true })

	_, _, err := f.svc.CreateTicket(context.Background(), CreateTicketRequest{
		DepartmentID: f.dept.ID,
		PatientName:  "Ana",
		PatientPhone: "5551234567",
	})
	requireKind(t, err, KindAllocationExhausted)
	var svcErr *Error
	require.True(t, errors.As(err, &svcErr))
	assert.True(t, svcErr.Retryable())
}

func TestUpdateStatusGuards(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ticket := f.create(t, "Ana", false)

	_, err := f.svc.UpdateStatus(ctx, ticket.TicketNo, "Completed", "nurse")
	requireKind(t, err, KindGuardViolation)

	_, err = f.svc.UpdateStatus(ctx, ticket.TicketNo, "Called", "nurse")
	requireKind(t, err, KindInvalidInput)

	_, err = f.svc.UpdateStatus(ctx, ticket.TicketNo, "Waiting", "nurse")
	requireKind(t, err, KindInvalidInput)

	_, err = f.svc.UpdateStatus(ctx, ticket.TicketNo, "Paused", "nurse")
	requireKind(t, err, KindInvalidInput)

	_, err = f.svc.UpdateStatus(ctx, "CARD-999-20240101", "Completed", "nurse")
	requireKind(t, err, KindNotFound)

	_, _, err = f.svc.CallNext(ctx, f.dept.ID, cardiologyDay, "nurse")
	require.NoError(t, err)

	started, err := f.svc.UpdateStatus(ctx, ticket.TicketNo, "In-Progress", "nurse")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)

	_, err = f.svc.CancelTicket(ctx, ticket.TicketNo, "")
	requireKind(t, err, KindGuardViolation)

	done, err := f.svc.UpdateStatus(ctx, ticket.TicketNo, "completed", "nurse")
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)

	_, err = f.svc.UpdateStatus(ctx, ticket.TicketNo, "No-show", "nurse")
	requireKind(t, err, KindGuardViolation)

	assert.Equal(t, []string{"created:patient", "called:nurse", "in_progress:nurse", "completed:nurse"}, f.sink.events(ticket.TicketNo))
}

func TestApprovePriorityWithoutRequestIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	ticket := f.create(t, "Ana", false)

	got, changed, err := f.svc.ApprovePriority(context.Background(), ticket.TicketNo, "dr.rina")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, got.PriorityApproved)
	assert.Equal(t, []string{"created:patient"}, f.sink.events(ticket.TicketNo))

	_, err = f.svc.CancelTicket(context.Background(), ticket.TicketNo, "")
	require.NoError(t, err)
	_, changed, err = f.svc.ApprovePriority(context.Background(), ticket.TicketNo, "dr.rina")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestApprovePriorityRequiresWaiting(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ticket := f.create(t, "Ana", true)
	_, err := f.svc.CancelTicket(ctx, ticket.TicketNo, "")
	require.NoError(t, err)

	_, _, err = f.svc.ApprovePriority(ctx, ticket.TicketNo, "dr.rina")
	requireKind(t, err, KindGuardViolation)
}

func TestCallNextOrderAndExhaustion(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.create(t, "Ana", false)
	b := f.create(t, "Budi", true)
	c := f.create(t, "Citra", false)
	_, _, err := f.svc.ApprovePriority(ctx, b.TicketNo, "dr.rina")
	require.NoError(t, err)

	var order []string
	for {
		ticket, found, err := f.svc.CallNext(ctx, f.dept.ID, cardiologyDay, "nurse")
		require.NoError(t, err)
		if !found {
			break
		}
		order = append(order, ticket.TicketNo)
	}
	assert.Equal(t, []string{b.TicketNo, a.TicketNo, c.TicketNo}, order)

	_, _, err = f.svc.CallNext(ctx, 404, cardiologyDay, "nurse")
	requireKind(t, err, KindNotFound)
}

func TestListTicketsRanksAndPositions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.create(t, "Ana", false)
	b := f.create(t, "Budi", true)
	_, _, err := f.svc.ApprovePriority(ctx, b.TicketNo, "dr.rina")
	require.NoError(t, err)
	c := f.create(t, "Citra", false)
	_, err = f.svc.CancelTicket(ctx, a.TicketNo, "")
	require.NoError(t, err)

	views, err := f.svc.ListTickets(ctx, f.dept.ID, cardiologyDay)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, b.TicketNo, views[0].TicketNo)
	assert.Equal(t, 0, *views[0].PositionAhead)
	assert.Equal(t, a.TicketNo, views[1].TicketNo)
	assert.Nil(t, views[1].PositionAhead)
	assert.Equal(t, c.TicketNo, views[2].TicketNo)
	assert.Equal(t, 1, *views[2].PositionAhead)
	assert.Equal(t, 10, *views[2].EstimatedWaitMinutes)

	all, err := f.svc.ListTicketsByDate(ctx, cardiologyDay)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "Cardiology", all[0].DepartmentName)
}

func TestDailyStats(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.create(t, "Ana", false)
	f.create(t, "Budi", false)
	_, _, err := f.svc.CallNext(ctx, f.dept.ID, cardiologyDay, "nurse")
	require.NoError(t, err)

	stats, err := f.svc.DailyStats(ctx, f.dept.ID, cardiologyDay)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Called)
}

func TestSweepNoShows(t *testing.T) {
	f := newFixture(t, Config{NoShowGrace: 5 * time.Minute})
	ctx := context.Background()
	ticket := f.create(t, "Ana", false)
	_, _, err := f.svc.CallNext(ctx, f.dept.ID, cardiologyDay, "nurse")
	require.NoError(t, err)

	moved, err := f.svc.SweepNoShows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	f.svc.now = func() time.Time { return cardiologyDay.Add(9 * time.Hour) }
	moved, err = f.svc.SweepNoShows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := f.svc.GetTicket(ctx, ticket.TicketNo)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, got.Status)
	assert.Contains(t, f.sink.events(ticket.TicketNo), "no_show:system")
}

func TestSweepDisabledWithoutGrace(t *testing.T) {
	f := newFixture(t, Config{})
	moved, err := f.svc.SweepNoShows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	require.NoError(t, f.svc.RunNoShowSweeper(context.Background(), time.Millisecond))
}
