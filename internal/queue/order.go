// Package queue holds the store-independent rules of the ticket queue: the
// ranking predicate, ticket number allocation policy and the lifecycle table.
package queue

import (
	"sort"

	"qms/token-service/internal/models"
)

// Ahead reports whether a ranks ahead of b within one department and date.
// Approved priority beats non-approved, then earlier arrival, then lower id.
// Every ordering in the service goes through this predicate.
func Ahead(a, b models.Ticket) bool {
	if a.PriorityApproved != b.PriorityApproved {
		return a.PriorityApproved
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Sort orders tickets most senior first.
func Sort(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return Ahead(tickets[i], tickets[j])
	})
}

// Next returns the top-ranked waiting ticket.
func Next(tickets []models.Ticket) (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, t := range tickets {
		if t.Status != models.StatusWaiting {
			continue
		}
		if !found || Ahead(t, best) {
			best = t
			found = true
		}
	}
	return best, found
}

// PositionAhead counts the waiting tickets that rank strictly ahead of target.
// The target itself is skipped by id.
func PositionAhead(target models.Ticket, tickets []models.Ticket) int {
	count := 0
	for _, t := range tickets {
		if t.ID == target.ID || t.Status != models.StatusWaiting {
			continue
		}
		if t.DepartmentID != target.DepartmentID || !t.ServiceDate.Equal(target.ServiceDate) {
			continue
		}
		if Ahead(t, target) {
			count++
		}
	}
	return count
}

// EstimateWait is a linear backlog model: no service time variance and no
// abandonment. It is an approximation, not a promise.
func EstimateWait(positionAhead, avgServiceMinutes int) int {
	if positionAhead <= 0 || avgServiceMinutes <= 0 {
		return 0
	}
	return positionAhead * avgServiceMinutes
}
