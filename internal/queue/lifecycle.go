package queue

import "qms/token-service/internal/models"

type Action string

const (
	ActionCall     Action = "call"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionNoShow   Action = "no_show"
	// ActionApprovePriority does not change status.
	ActionApprovePriority Action = "approve_priority"
)

// Stamp names the timestamp column a transition sets.
type Stamp string

const (
	StampNone      Stamp = ""
	StampCalled    Stamp = "called_at"
	StampCompleted Stamp = "completed_at"
	StampCancelled Stamp = "cancelled_at"
)

const EventCreated = "created"

type Rule struct {
	From  []string
	To    string
	Stamp Stamp
	Event string
}

var transitionMap = map[Action]Rule{
	ActionCall: {
		From:  []string{models.StatusWaiting},
		To:    models.StatusCalled,
		Stamp: StampCalled,
		Event: "called",
	},
	ActionStart: {
		From:  []string{models.StatusCalled},
		To:    models.StatusInProgress,
		Event: "in_progress",
	},
	ActionComplete: {
		From:  []string{models.StatusCalled, models.StatusInProgress},
		To:    models.StatusCompleted,
		Stamp: StampCompleted,
		Event: "completed",
	},
	ActionCancel: {
		From:  []string{models.StatusWaiting, models.StatusCalled},
		To:    models.StatusCancelled,
		Stamp: StampCancelled,
		Event: "cancelled",
	},
	ActionNoShow: {
		From:  []string{models.StatusWaiting, models.StatusCalled, models.StatusInProgress},
		To:    models.StatusNoShow,
		Event: "no_show",
	},
	ActionApprovePriority: {
		From:  []string{models.StatusWaiting},
		To:    models.StatusWaiting,
		Event: "approved_priority",
	},
}

func RuleFor(action Action) (Rule, bool) {
	rule, ok := transitionMap[action]
	return rule, ok
}

func ValidTransition(action Action, fromStatus string) bool {
	rule, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range rule.From {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// ActionForStatus maps a staff requested target status onto the action that
// reaches it. Called is only reachable through call-next.
func ActionForStatus(status string) (Action, bool) {
	switch status {
	case models.StatusInProgress:
		return ActionStart, true
	case models.StatusCompleted:
		return ActionComplete, true
	case models.StatusNoShow:
		return ActionNoShow, true
	case models.StatusCancelled:
		return ActionCancel, true
	}
	return "", false
}
