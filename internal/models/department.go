package models

import "time"

const DefaultAvgServiceTime = 5

type Department struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Abbr           string `json:"abbr"`
	AvgServiceTime int    `json:"avg_service_time"`
}

// ServiceMinutes is the per-position ETA multiplier.
func (d Department) ServiceMinutes() int {
	if d.AvgServiceTime <= 0 {
		return DefaultAvgServiceTime
	}
	return d.AvgServiceTime
}

type LogEntry struct {
	TicketID  int64     `json:"ticket_id"`
	TicketNo  string    `json:"ticket_no"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

type DailyStats struct {
	DepartmentID      int64     `json:"department_id"`
	ServiceDate       time.Time `json:"service_date"`
	Total             int       `json:"total"`
	Waiting           int       `json:"waiting"`
	Called            int       `json:"called"`
	InProgress        int       `json:"in_progress"`
	Completed         int       `json:"completed"`
	Cancelled         int       `json:"cancelled"`
	NoShow            int       `json:"no_show"`
	AvgWaitMinutes    float64   `json:"avg_wait_minutes"`
	AvgServiceMinutes float64   `json:"avg_service_minutes"`
}
