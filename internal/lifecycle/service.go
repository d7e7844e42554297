package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/parking-match/internal/models"
	"github.com/example/parking-match/internal/observability"
	"github.com/example/parking-match/internal/storage"
)

// Publisher delivers reservation events to interested parties.
type Publisher interface {
	Publish(reservationID string, ev models.Event)
}

type Service struct {
	store  *storage.Store
	events Publisher
	logger *slog.Logger
}

func NewService(store *storage.Store, events Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, events: events, logger: logger}
}

// UpdateStatus applies next on behalf of actorID and broadcasts the result.
func (s *Service) UpdateStatus(ctx context.Context, actorID, reservationID string, next models.Status) (models.Reservation, error) {
	r, err := s.store.UpdateStatus(ctx, reservationID, Transition(actorID, next), s.Announce)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrUnauthorized) {
			s.logger.Debug("reservation_transition_rejected", "reservation_id", reservationID, "actor", actorID, "to", next, "error", err)
		}
		return models.Reservation{}, err
	}
	observability.TransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	s.logger.Info("reservation_transition", "reservation_id", r.ID, "actor", actorID, "status", r.Status)
	return r, nil
}

// Announce publishes r as a reservation-updated event. It is passed to the
// store as a commit hook so events for one reservation keep commit order.
func (s *Service) Announce(r models.Reservation) {
	if s.events == nil {
		return
	}
	cp := r
	s.events.Publish(r.ID, models.Event{
		Type:          models.EventReservationUpdated,
		ReservationID: r.ID,
		Reservation:   &cp,
		At:            r.UpdatedAt,
	})
}
