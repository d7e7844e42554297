package models

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusNavigating Status = "navigating"
	StatusSecured    Status = "secured"
	StatusWaiting    Status = "waiting"
	StatusSwapping   Status = "swapping"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every lifecycle state in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusAccepted,
	StatusNavigating,
	StatusSecured,
	StatusWaiting,
	StatusSwapping,
	StatusCompleted,
	StatusCancelled,
}

// ParseStatus maps wire text onto a Status; unknown values are a validation error.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}
