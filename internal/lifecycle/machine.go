// Package lifecycle holds the reservation state machine: which status
// changes are legal, who may request them and what each one stamps.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/example/parking-match/internal/models"
	"github.com/example/parking-match/internal/storage"
)

// AllowedTransitions represents the reservation flow as code.
var AllowedTransitions = map[models.Status][]models.Status{
	models.StatusPending:    {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusNavigating, models.StatusCancelled},
	models.StatusNavigating: {models.StatusSecured, models.StatusCancelled},
	models.StatusSecured:    {models.StatusWaiting, models.StatusCancelled},
	models.StatusWaiting:    {models.StatusSwapping, models.StatusCancelled},
	models.StatusSwapping:   {models.StatusCompleted, models.StatusCancelled},
}

func CanTransition(from, to models.Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Authorize allows only the rider or the assigned driver to act on r.
func Authorize(r *models.Reservation, actorID string) error {
	if !r.IsParty(actorID) {
		return fmt.Errorf("%w: %s is not a party to reservation %s", models.ErrUnauthorized, actorID, r.ID)
	}
	return nil
}

// Apply moves r to next and stamps the matching timestamp if it is unset.
// It does not check authorization.
func Apply(r *models.Reservation, next models.Status, now time.Time) (storage.Effect, error) {
	if !CanTransition(r.Status, next) {
		return storage.Effect{}, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, r.Status, next)
	}
	hadDriver := r.DriverID != ""
	r.Status = next

	var eff storage.Effect
	switch next {
	case models.StatusAccepted:
		stamp(&r.AcceptedAt, now)
	case models.StatusSecured:
		stamp(&r.SecuredAt, now)
	case models.StatusCompleted:
		stamp(&r.CompletedAt, now)
		eff = storage.Effect{ReleaseDriver: true, Credit: r.Price}
	case models.StatusCancelled:
		eff.ReleaseDriver = hadDriver
	}
	return eff, nil
}

// Transition returns the store callback for a status change requested by
// actorID through the generic update path. The match (pending -> accepted)
// is not reachable here; it only happens through CompareAndAssignDriver.
func Transition(actorID string, next models.Status) storage.TransitionFunc {
	return func(r *models.Reservation, now time.Time) (storage.Effect, error) {
		if err := Authorize(r, actorID); err != nil {
			return storage.Effect{}, err
		}
		if next == models.StatusAccepted {
			return storage.Effect{}, fmt.Errorf("%w: accept through the matching flow", models.ErrInvalidTransition)
		}
		return Apply(r, next, now)
	}
}

func stamp(field **time.Time, now time.Time) {
	if *field != nil {
		return
	}
	t := now
	*field = &t
}
