package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPrefix             = "TKN"
	DefaultMaxAllocationTries = 8
	ticketNumberPad           = 3
	dateLayout                = "2006-01-02"
	ticketDateLayout          = "20060102"
)

var (
	// ErrSequenceTaken is returned by Round.Insert when another allocator
	// already holds the candidate number.
	ErrSequenceTaken       = errors.New("ticket number already taken")
	ErrAllocationExhausted = errors.New("ticket number allocation exhausted")
)

// FormatTicketNo renders <PREFIX>-<SEQ>-<YYYYMMDD>. The sequence is zero
// padded to three digits and simply grows past 999.
func FormatTicketNo(prefix string, seq int, serviceDate time.Time) string {
	prefix = NormalizePrefix(prefix)
	return fmt.Sprintf("%s-%0*d-%s", prefix, ticketNumberPad, seq, serviceDate.Format(ticketDateLayout))
}

// NormalizePrefix returns the prefix as it appears in ticket numbers.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// ParseTicketNo splits a ticket number back into its parts. The prefix may
// itself contain dashes, so the sequence and date are taken from the right.
func ParseTicketNo(ticketNo string) (prefix string, seq int, serviceDate time.Time, err error) {
	parts := strings.Split(ticketNo, "-")
	if len(parts) < 3 {
		return "", 0, time.Time{}, fmt.Errorf("malformed ticket number %q", ticketNo)
	}
	n := len(parts)
	seq, err = strconv.Atoi(parts[n-2])
	if err != nil || seq <= 0 {
		return "", 0, time.Time{}, fmt.Errorf("malformed ticket sequence in %q", ticketNo)
	}
	serviceDate, err = time.Parse(ticketDateLayout, parts[n-1])
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("malformed ticket date in %q", ticketNo)
	}
	prefix = strings.Join(parts[:n-2], "-")
	if prefix == "" {
		return "", 0, time.Time{}, fmt.Errorf("malformed ticket prefix in %q", ticketNo)
	}
	return prefix, seq, serviceDate, nil
}

// DateOf truncates t to its calendar date in t's own location and returns it
// as midnight UTC, the form service dates are stored and compared in.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return parsed, nil
}

func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// QueueKey identifies one logical queue. Stores use it to scope locks.
func QueueKey(departmentID int64, serviceDate time.Time) string {
	return fmt.Sprintf("%d:%s", departmentID, serviceDate.Format(ticketDateLayout))
}

// NumberKey identifies the ticket number namespace of a prefix and date.
// Departments sharing a prefix draw from the same namespace.
func NumberKey(prefix string, serviceDate time.Time) string {
	return fmt.Sprintf("ticket_no:%s:%s", NormalizePrefix(prefix), serviceDate.Format(ticketDateLayout))
}

// InNamespace reports whether ticketNo was formatted from prefix and serviceDate.
func InNamespace(ticketNo, prefix string, serviceDate time.Time) bool {
	p, _, d, err := ParseTicketNo(ticketNo)
	return err == nil && p == NormalizePrefix(prefix) && d.Equal(DateOf(serviceDate))
}

// Round is a single allocation attempt running inside one store transaction
// that holds both the queue key lock and the number key lock.
type Round interface {
	// NextSequence returns one past the highest sequence used either by the
	// queue or by the ticket number namespace the queue formats into.
	NextSequence(ctx context.Context) (int, error)
	// Insert persists the ticket under seq, or returns ErrSequenceTaken.
	Insert(ctx context.Context, seq int) error
}

// RunRound opens a round, passes it to fn, and commits when fn returns nil.
// Any error from fn must roll the round back.
type RunRound func(ctx context.Context, fn func(ctx context.Context, r Round) error) error

// Allocator is the bounded retry policy around a store's rounds.
type Allocator struct {
	MaxAttempts int
	OnCollision func()
}

// Allocate runs rounds until one inserts a ticket. Within a round a collision
// is retried once with the next number; a second collision abandons the round
// and the next one recomputes the candidate from stored state.
func (a Allocator) Allocate(ctx context.Context, run RunRound) (int, error) {
	maxAttempts := a.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAllocationTries
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var seq int
		err := run(ctx, func(ctx context.Context, r Round) error {
			candidate, err := r.NextSequence(ctx)
			if err != nil {
				return err
			}
			err = r.Insert(ctx, candidate)
			if errors.Is(err, ErrSequenceTaken) {
				a.collided()
				candidate++
				err = r.Insert(ctx, candidate)
			}
			if err != nil {
				return err
			}
			seq = candidate
			return nil
		})
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, ErrSequenceTaken) {
			return 0, err
		}
		a.collided()
	}
	return 0, ErrAllocationExhausted
}

func (a Allocator) collided() {
	if a.OnCollision != nil {
		a.OnCollision()
	}
}
