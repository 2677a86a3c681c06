package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/queue"
	"qms/token-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, models.Department) {
	t.Helper()
	st := New(Options{})
	dept := st.AddDepartment(models.Department{Name: "Cardiology", Abbr: "CARD", AvgServiceTime: 10})
	return st, dept
}

func input(dept models.Department, minute int) store.CreateTicketInput {
	return store.CreateTicketInput{
		DepartmentID: dept.ID,
		ServiceDate:  day,
		Prefix:       dept.Abbr,
		PatientName:  "Ana",
		CreatedAt:    day.Add(8*time.Hour + time.Duration(minute)*time.Minute),
	}
}

func TestCreateTicketConcurrentIsDense(t *testing.T) {
	st, dept := newStore(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	numbers := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, created, err := st.CreateTicket(ctx, input(dept, i))
			assert.NoError(t, err)
			assert.True(t, created)
			numbers <- ticket.TicketNo
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for n := range numbers {
		assert.False(t, seen[n], "duplicate %s", n)
		seen[n] = true
	}
	for seq := 1; seq <= workers; seq++ {
		assert.True(t, seen[queue.FormatTicketNo("CARD", seq, day)], "missing seq %d", seq)
	}
}

func TestCreateTicketSkipsTakenNumber(t *testing.T) {
	st, dept := newStore(t)
	st.FailInsertWhen(func(seq int) bool { return seq == 1 })

	ticket, _, err := st.CreateTicket(context.Background(), input(dept, 0))
	require.NoError(t, err)
	assert.Equal(t, "CARD-002-20240101", ticket.TicketNo)
}

func TestCreateTicketExhaustion(t *testing.T) {
	st := New(Options{MaxAllocationAttempts: 2})
	dept := st.AddDepartment(models.Department{Name: "Cardiology", Abbr: "CARD"})
	st.FailInsertWhen(func(int) bool { return true })

	_, _, err := st.CreateTicket(context.Background(), input(dept, 0))
	assert.ErrorIs(t, err, queue.ErrAllocationExhausted)

	tickets, err := st.ListTickets(context.Background(), dept.ID, day)
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestCreateTicketReplaysRequestID(t *testing.T) {
	st, dept := newStore(t)
	in := input(dept, 0)
	in.RequestID = "req-1"

	first, created, err := st.CreateTicket(context.Background(), in)
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := st.CreateTicket(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.TicketNo, second.TicketNo)
}

func TestCreateTicketUnknownDepartment(t *testing.T) {
	st, _ := newStore(t)
	_, _, err := st.CreateTicket(context.Background(), input(models.Department{ID: 99}, 0))
	assert.ErrorIs(t, err, store.ErrDepartmentNotFound)
}

func TestSequencesAreScopedPerQueue(t *testing.T) {
	st, dept := newStore(t)
	other := st.AddDepartment(models.Department{Name: "ENT", Abbr: "ENT"})
	ctx := context.Background()

	a, _, err := st.CreateTicket(ctx, input(dept, 0))
	require.NoError(t, err)
	b, _, err := st.CreateTicket(ctx, input(other, 0))
	require.NoError(t, err)
	nextDay := input(dept, 0)
	nextDay.ServiceDate = day.AddDate(0, 0, 1)
	c, _, err := st.CreateTicket(ctx, nextDay)
	require.NoError(t, err)

	assert.Equal(t, 1, a.Seq)
	assert.Equal(t, 1, b.Seq)
	assert.Equal(t, "CARD-001-20240102", c.TicketNo)
}

func TestDepartmentsSharingPrefixDoNotCollide(t *testing.T) {
	st := New(Options{})
	a := st.AddDepartment(models.Department{Name: "Radiology"})
	b := st.AddDepartment(models.Department{Name: "Pharmacy"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := st.CreateTicket(ctx, input(a, i))
		require.NoError(t, err)
	}
	first, created, err := st.CreateTicket(ctx, input(b, 2))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "TKN-003-20240101", first.TicketNo)

	next, _, err := st.CreateTicket(ctx, input(a, 3))
	require.NoError(t, err)
	assert.Equal(t, "TKN-004-20240101", next.TicketNo)
}

func TestDepartmentsSharingPrefixConcurrent(t *testing.T) {
	st := New(Options{})
	depts := []models.Department{
		st.AddDepartment(models.Department{Name: "Radiology", Abbr: "GEN"}),
		st.AddDepartment(models.Department{Name: "Pharmacy", Abbr: "GEN"}),
	}
	ctx := context.Background()

	const workers = 40
	var wg sync.WaitGroup
	numbers := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, _, err := st.CreateTicket(ctx, input(depts[i%2], i))
			assert.NoError(t, err)
			numbers <- ticket.TicketNo
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for n := range numbers {
		assert.False(t, seen[n], "duplicate %s", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers)
}

func TestCallNextConcurrentExclusive(t *testing.T) {
	st, dept := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := st.CreateTicket(ctx, input(dept, i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	called := map[string]int{}
	empty := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, ok, err := st.CallNext(ctx, store.CallNextInput{DepartmentID: dept.ID, ServiceDate: day})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				empty++
				return
			}
			called[ticket.TicketNo]++
		}()
	}
	wg.Wait()

	assert.Len(t, called, 5)
	assert.Equal(t, 3, empty)
	for n, count := range called {
		assert.Equal(t, 1, count, n)
	}
}

func TestTransitionTable(t *testing.T) {
	st, dept := newStore(t)
	ctx := context.Background()
	ticket, _, err := st.CreateTicket(ctx, input(dept, 0))
	require.NoError(t, err)

	_, err = st.Transition(ctx, store.TransitionInput{TicketNo: ticket.TicketNo, Action: queue.ActionComplete})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = st.Transition(ctx, store.TransitionInput{TicketNo: ticket.TicketNo, Action: queue.ActionCall})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	called, ok, err := st.CallNext(ctx, store.CallNextInput{DepartmentID: dept.ID, ServiceDate: day})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, called.CalledAt)

	started, err := st.Transition(ctx, store.TransitionInput{TicketNo: ticket.TicketNo, Action: queue.ActionStart})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)

	done, err := st.Transition(ctx, store.TransitionInput{TicketNo: ticket.TicketNo, Action: queue.ActionComplete})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	_, err = st.Transition(ctx, store.TransitionInput{TicketNo: ticket.TicketNo, Action: queue.ActionCancel, Actor: "patient"})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	_, err = st.Transition(ctx, store.TransitionInput{TicketNo: "CARD-404-20240101", Action: queue.ActionCancel})
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

func TestApprovePriority(t *testing.T) {
	st, dept := newStore(t)
	ctx := context.Background()
	plain, _, _ := st.CreateTicket(ctx, input(dept, 0))
	in := input(dept, 1)
	in.PriorityRequested = true
	urgent, _, _ := st.CreateTicket(ctx, in)

	_, changed, err := st.ApprovePriority(ctx, plain.TicketNo)
	require.NoError(t, err)
	assert.False(t, changed)

	approved, changed, err := st.ApprovePriority(ctx, urgent.TicketNo)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, approved.PriorityApproved)

	_, changed, err = st.ApprovePriority(ctx, urgent.TicketNo)
	require.NoError(t, err)
	assert.False(t, changed)

	list, err := st.ListTickets(ctx, dept.ID, day)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, urgent.TicketNo, list[0].TicketNo)
}

func TestApproveWithoutRequestIsNoOpInAnyStatus(t *testing.T) {
	st, dept := newStore(t)
	ctx := context.Background()
	plain, _, _ := st.CreateTicket(ctx, input(dept, 0))
	_, err := st.Transition(ctx, store.TransitionInput{TicketNo: plain.TicketNo, Action: queue.ActionCancel, Actor: "patient"})
	require.NoError(t, err)

	current, changed, err := st.ApprovePriority(ctx, plain.TicketNo)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusCancelled, current.Status)

	in := input(dept, 1)
	in.PriorityRequested = true
	urgent, _, _ := st.CreateTicket(ctx, in)
	_, err = st.Transition(ctx, store.TransitionInput{TicketNo: urgent.TicketNo, Action: queue.ActionCancel, Actor: "patient"})
	require.NoError(t, err)
	_, _, err = st.ApprovePriority(ctx, urgent.TicketNo)
	assert.ErrorIs(t, err, store.ErrInvalidState)
}

func TestExpireCalledRespectsCutoffAndLimit(t *testing.T) {
	st, dept := newStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, _, err := st.CreateTicket(ctx, input(dept, i))
		require.NoError(t, err)
		_, _, err = st.CallNext(ctx, store.CallNextInput{DepartmentID: dept.ID, ServiceDate: day, CalledAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	expired, err := st.ExpireCalled(ctx, base.Add(90*time.Second), 1)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "CARD-001-20240101", expired[0].TicketNo)

	expired, err = st.ExpireCalled(ctx, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "CARD-002-20240101", expired[0].TicketNo)
	assert.Equal(t, models.StatusNoShow, expired[0].Status)
}

func TestDailyStats(t *testing.T) {
	st, dept := newStore(t)
	ctx := context.Background()
	ticket, _, _ := st.CreateTicket(ctx, input(dept, 0))
	_, _, _ = st.CreateTicket(ctx, input(dept, 1))
	calledAt := ticket.CreatedAt.Add(20 * time.Minute)
	_, _, err := st.CallNext(ctx, store.CallNextInput{DepartmentID: dept.ID, ServiceDate: day, CalledAt: calledAt})
	require.NoError(t, err)
	_, err = st.Transition(ctx, store.TransitionInput{TicketNo: ticket.TicketNo, Action: queue.ActionComplete, OccurredAt: calledAt.Add(10 * time.Minute)})
	require.NoError(t, err)

	stats, err := st.DailyStats(ctx, dept.ID, day)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Completed)
	assert.InDelta(t, 20.0, stats.AvgWaitMinutes, 0.001)
	assert.InDelta(t, 10.0, stats.AvgServiceMinutes, 0.001)
}

func TestAppendLogs(t *testing.T) {
	st, _ := newStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendLogs(context.Background(), []models.LogEntry{{TicketNo: fmt.Sprint(i), Event: "created"}}))
	}
	assert.Len(t, st.Logs(), 3)
}
