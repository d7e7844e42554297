package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/parking-match/internal/geo"
	"github.com/example/parking-match/internal/lifecycle"
	"github.com/example/parking-match/internal/models"
	"github.com/example/parking-match/internal/observability"
	"github.com/example/parking-match/internal/pricing"
	"github.com/example/parking-match/internal/storage"
)

// Service matches riders' parking requests with available drivers.
type Service struct {
	Store     *storage.Store
	Lifecycle *lifecycle.Service
	Events    lifecycle.Publisher
	Pricer    pricing.Pricer
	Logger    *slog.Logger
}

func NewService(store *storage.Store, events lifecycle.Publisher, pricer pricing.Pricer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pricer == nil {
		pricer = pricing.FlatRate{Amount: pricing.DefaultFlatPrice}
	}
	return &Service{
		Store:     store,
		Lifecycle: lifecycle.NewService(store, events, logger),
		Events:    events,
		Pricer:    pricer,
		Logger:    logger,
	}
}

// RequestReservation opens a pending reservation for the rider and announces
// it on the driver feed.
func (s *Service) RequestReservation(ctx context.Context, rider models.Actor, loc models.Location) (models.Reservation, error) {
	if err := loc.Validate(); err != nil {
		return models.Reservation{}, err
	}
	r, err := s.Store.CreateReservation(ctx, storage.NewReservation{
		RiderID:   rider.ID,
		RiderName: rider.Name,
		Location:  loc,
		Price:     s.Pricer.Quote(loc),
	})
	if err != nil {
		return models.Reservation{}, err
	}
	observability.ReservationsCreated.Inc()
	s.Logger.Info("reservation_requested", "reservation_id", r.ID, "rider_id", r.RiderID, "lat", loc.Lat, "lon", loc.Lon, "price", r.Price.String())
	s.publish(models.Event{Type: models.EventNewReservation, ReservationID: r.ID, Reservation: cloneRes(r), At: r.RequestedAt})
	return r, nil
}

// FindNearbyDrivers returns available drivers within radiusMeters of c, in no
// particular order. It never fails; a bad query simply matches nobody.
func (s *Service) FindNearbyDrivers(ctx context.Context, c models.Coord, radiusMeters float64) []models.Driver {
	avail := s.Store.ListDrivers(ctx, func(d *models.Driver) bool { return d.IsAvailable })
	if c.Validate() != nil {
		return []models.Driver{}
	}
	return geo.Within(avail, c, radiusMeters)
}

// AcceptReservation lets driverID claim a pending reservation. Concurrent
// callers race on the store's compare-and-assign; exactly one wins and the rest
// get ErrConflict.
func (s *Service) AcceptReservation(ctx context.Context, driverID, reservationID string) (models.Reservation, error) {
	d, err := s.Store.GetDriver(ctx, driverID)
	if err != nil {
		return models.Reservation{}, err
	}
	if !d.IsAvailable {
		observability.MatchConflicts.Inc()
		return models.Reservation{}, fmt.Errorf("%w: driver %s is not available", models.ErrConflict, driverID)
	}
	r, err := s.Store.CompareAndAssignDriver(ctx, reservationID, driverID, d.Name, s.Lifecycle.Announce)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			observability.MatchConflicts.Inc()
			s.Logger.Debug("reservation_accept_lost", "reservation_id", reservationID, "driver_id", driverID, "error", err)
		}
		return models.Reservation{}, err
	}
	observability.MatchesTotal.Inc()
	observability.TransitionsTotal.WithLabelValues(string(models.StatusAccepted)).Inc()
	if r.AcceptedAt != nil {
		observability.MatchLatency.Observe(r.AcceptedAt.Sub(r.RequestedAt).Seconds())
	}
	s.Logger.Info("reservation_accepted", "reservation_id", r.ID, "driver_id", driverID, "rider_id", r.RiderID)
	return r, nil
}

// UpdateStatus moves a reservation along its lifecycle on behalf of actor.
func (s *Service) UpdateStatus(ctx context.Context, actor models.Actor, reservationID string, next models.Status) (models.Reservation, error) {
	return s.Lifecycle.UpdateStatus(ctx, actor.ID, reservationID, next)
}

// GetReservation returns a reservation the actor may see: any reservation
// they are party to, or a pending one when the actor is a driver.
func (s *Service) GetReservation(ctx context.Context, actor models.Actor, id string) (models.Reservation, error) {
	r, err := s.Store.GetReservation(ctx, id)
	if err != nil {
		return models.Reservation{}, err
	}
	if r.IsParty(actor.ID) {
		return r, nil
	}
	if r.Status == models.StatusPending && actor.Role == models.RoleDriver {
		return r, nil
	}
	return models.Reservation{}, fmt.Errorf("%w: reservation %s", models.ErrUnauthorized, id)
}

// ListMine returns every reservation the actor is party to, oldest first.
func (s *Service) ListMine(ctx context.Context, actor models.Actor) []models.Reservation {
	return s.Store.ListReservations(ctx, func(r *models.Reservation) bool { return r.IsParty(actor.ID) })
}

// ListActive returns the reservations a caller can act on. Drivers see every
// pending request plus their own in-progress jobs; riders see their own
// unfinished reservations.
func (s *Service) ListActive(ctx context.Context, actor models.Actor) []models.Reservation {
	return s.Store.ListReservations(ctx, func(r *models.Reservation) bool {
		if r.Status.IsTerminal() {
			return false
		}
		if actor.Role == models.RoleDriver {
			return r.Status == models.StatusPending || r.DriverID == actor.ID
		}
		return r.RiderID == actor.ID
	})
}

// RegisterDriver creates the driver profile for actor. Registering twice
// returns the existing profile.
func (s *Service) RegisterDriver(ctx context.Context, actor models.Actor, userID string, loc models.Coord, v models.VehicleInfo) (models.Driver, bool, error) {
	if actor.Role != models.RoleDriver {
		return models.Driver{}, false, fmt.Errorf("%w: only drivers have a driver profile", models.ErrUnauthorized)
	}
	if userID == "" {
		userID = actor.ID
	}
	d, created, err := s.Store.RegisterDriver(ctx, models.Driver{
		ID:              actor.ID,
		UserID:          userID,
		Name:            actor.Name,
		CurrentLocation: loc,
		Vehicle:         v,
	})
	if err != nil {
		return models.Driver{}, false, err
	}
	if created {
		s.Logger.Info("driver_registered", "driver_id", d.ID)
	}
	return d, created, nil
}

func (s *Service) GetDriver(ctx context.Context, driverID string) (models.Driver, error) {
	return s.Store.GetDriver(ctx, driverID)
}

// UpdateDriverLocation records the driver's position and shares it with the
// rider of the driver's active reservation.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID string, c models.Coord) (models.Driver, error) {
	return s.Store.SetDriverLocation(ctx, driverID, c, func(d models.Driver) {
		if d.ActiveReservationID == "" {
			return
		}
		loc := d.CurrentLocation
		s.publish(models.Event{
			Type:          models.EventDriverLocation,
			ReservationID: d.ActiveReservationID,
			DriverID:      d.ID,
			Location:      &loc,
			At:            d.UpdatedAt,
		})
	})
}

func (s *Service) SetDriverAvailability(ctx context.Context, driverID string, available bool) (models.Driver, error) {
	d, err := s.Store.SetDriverAvailability(ctx, driverID, available)
	if err != nil {
		return models.Driver{}, err
	}
	s.Logger.Info("driver_availability", "driver_id", d.ID, "available", d.IsAvailable)
	return d, nil
}

func (s *Service) SetDriverVehicle(ctx context.Context, driverID string, v models.VehicleInfo) (models.Driver, error) {
	return s.Store.SetDriverVehicle(ctx, driverID, v)
}

func (s *Service) publish(ev models.Event) {
	if s.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.Events.Publish(ev.ReservationID, ev)
}

func cloneRes(r models.Reservation) *models.Reservation {
	cp := r.Clone()
	return &cp
}
