package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/parking-match/internal/models"
	"github.com/example/parking-match/internal/observability"
)

// Effect describes the driver-side consequences of a status transition.
type Effect struct {
	ReleaseDriver bool
	Credit        decimal.Decimal
}

// TransitionFunc validates and applies a status change to r in place.
// It runs while the reservation record is locked.
type TransitionFunc func(r *models.Reservation, now time.Time) (Effect, error)

// NewReservation carries the creation-time fields of a reservation.
type NewReservation struct {
	RiderID   string
	RiderName string
	Location  models.Location
	Price     decimal.Decimal
}

type reservationRecord struct {
	mu sync.Mutex
	r  models.Reservation
}

type driverRecord struct {
	mu sync.Mutex
	d  models.Driver
	// gone marks a registration whose first write failed; holders of a stale
	// pointer must treat the driver as unknown.
	gone bool
}

// Store owns every reservation and driver. Each record has its own lock; the
// index lock only guards map membership and is never held during a mutation.
// Lock order is reservation before driver.
type Store struct {
	mu           sync.RWMutex
	reservations map[string]*reservationRecord
	drivers      map[string]*driverRecord

	// available counts drivers with IsAvailable set.
	available atomic.Int64

	persist Persister
	now     func() time.Time
	newID   func() string
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithIDGenerator(fn func() string) Option { return func(s *Store) { s.newID = fn } }

// NewStore builds a Store writing through to p. A nil p keeps state in memory only.
func NewStore(p Persister, opts ...Option) *Store {
	if p == nil {
		p = NopPersister{}
	}
	s := &Store{
		reservations: make(map[string]*reservationRecord),
		drivers:      make(map[string]*driverRecord),
		persist:      p,
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory collections with whatever the persister holds.
func (s *Store) Load(ctx context.Context) error {
	b, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %v", models.ErrPersistence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations = make(map[string]*reservationRecord, len(b.Reservations))
	s.drivers = make(map[string]*driverRecord, len(b.Drivers))
	for _, r := range b.Reservations {
		s.reservations[r.ID] = &reservationRecord{r: r.Clone()}
	}
	var n int64
	for _, d := range b.Drivers {
		s.drivers[d.ID] = &driverRecord{d: d}
		if d.IsAvailable {
			n++
		}
	}
	old := s.available.Swap(n)
	observability.AvailableDrivers.Add(float64(n - old))
	return nil
}

// AvailableDrivers reports how many drivers are currently available.
func (s *Store) AvailableDrivers() int64 { return s.available.Load() }

func (s *Store) CreateReservation(ctx context.Context, in NewReservation) (models.Reservation, error) {
	if in.RiderID == "" {
		return models.Reservation{}, fmt.Errorf("%w: rider id is required", models.ErrValidation)
	}
	if err := in.Location.Validate(); err != nil {
		return models.Reservation{}, err
	}
	now := s.now()
	r := models.Reservation{
		ID:          s.newID(),
		RiderID:     in.RiderID,
		RiderName:   in.RiderName,
		Location:    in.Location,
		Status:      models.StatusPending,
		Price:       in.Price,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if err := s.write(ctx, Batch{Reservations: []models.Reservation{r}}, Batch{}); err != nil {
		return models.Reservation{}, err
	}
	s.mu.Lock()
	s.reservations[r.ID] = &reservationRecord{r: r}
	s.mu.Unlock()
	return r.Clone(), nil
}

func (s *Store) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	rec := s.reservation(id)
	if rec == nil {
		return models.Reservation{}, fmt.Errorf("%w: reservation %s", models.ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.r.Clone(), nil
}

// ListReservations returns every reservation matching pred, oldest request first.
func (s *Store) ListReservations(_ context.Context, pred func(*models.Reservation) bool) []models.Reservation {
	s.mu.RLock()
	recs := make([]*reservationRecord, 0, len(s.reservations))
	for _, rec := range s.reservations {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]models.Reservation, 0)
	for _, rec := range recs {
		rec.mu.Lock()
		if pred == nil || pred(&rec.r) {
			out = append(out, rec.r.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Notify observes a committed reservation. It runs before the record lock is
// released, so notifications for one reservation leave in commit order. It
// must not block or call back into the store.
type Notify func(models.Reservation)

// CompareAndAssignDriver matches driverID to a pending reservation. It fails with
// ErrConflict when the reservation is no longer pending or the driver is no
// longer available; exactly one concurrent caller can win a given reservation.
func (s *Store) CompareAndAssignDriver(ctx context.Context, reservationID, driverID, driverName string, notify ...Notify) (models.Reservation, error) {
	rrec := s.reservation(reservationID)
	if rrec == nil {
		return models.Reservation{}, fmt.Errorf("%w: reservation %s", models.ErrNotFound, reservationID)
	}
	drec := s.driver(driverID)
	if drec == nil {
		return models.Reservation{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, driverID)
	}

	rrec.mu.Lock()
	defer rrec.mu.Unlock()
	if rrec.r.Status != models.StatusPending {
		return models.Reservation{}, fmt.Errorf("%w: reservation %s is %s", models.ErrConflict, reservationID, rrec.r.Status)
	}

	drec.mu.Lock()
	defer drec.mu.Unlock()
	if drec.gone {
		return models.Reservation{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, driverID)
	}
	if !drec.d.IsAvailable || drec.d.ActiveReservationID != "" {
		return models.Reservation{}, fmt.Errorf("%w: driver %s is not available", models.ErrConflict, driverID)
	}

	now := s.now()
	r := rrec.r.Clone()
	r.DriverID = driverID
	r.DriverName = driverName
	if r.DriverName == "" {
		r.DriverName = drec.d.Name
	}
	r.Status = models.StatusAccepted
	if r.AcceptedAt == nil {
		r.AcceptedAt = &now
	}
	r.UpdatedAt = now

	d := drec.d
	d.IsAvailable = false
	d.ActiveReservationID = r.ID
	d.UpdatedAt = now

	prior := Batch{Reservations: []models.Reservation{rrec.r}, Drivers: []models.Driver{drec.d}}
	if err := s.write(ctx, Batch{Reservations: []models.Reservation{r}, Drivers: []models.Driver{d}}, prior); err != nil {
		return models.Reservation{}, err
	}
	rrec.r = r
	s.setDriver(drec, d)
	notifyAll(notify, r)
	return r.Clone(), nil
}

// UpdateStatus runs apply against the locked reservation and, when the effect
// asks for it, releases and credits the assigned driver in the same write.
func (s *Store) UpdateStatus(ctx context.Context, reservationID string, apply TransitionFunc, notify ...Notify) (models.Reservation, error) {
	rrec := s.reservation(reservationID)
	if rrec == nil {
		return models.Reservation{}, fmt.Errorf("%w: reservation %s", models.ErrNotFound, reservationID)
	}
	rrec.mu.Lock()
	defer rrec.mu.Unlock()

	now := s.now()
	r := rrec.r.Clone()
	eff, err := apply(&r, now)
	if err != nil {
		return models.Reservation{}, err
	}
	r.UpdatedAt = now

	batch := Batch{Reservations: []models.Reservation{r}}
	prior := Batch{Reservations: []models.Reservation{rrec.r}}
	var drec *driverRecord
	var d models.Driver
	if eff.ReleaseDriver && r.DriverID != "" {
		if rec := s.driver(r.DriverID); rec != nil {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if !rec.gone {
				drec = rec
			}
		}
		if drec != nil {
			d = drec.d
			d.IsAvailable = true
			if d.ActiveReservationID == r.ID {
				d.ActiveReservationID = ""
			}
			d.Earnings = d.Earnings.Add(eff.Credit)
			d.UpdatedAt = now
			batch.Drivers = append(batch.Drivers, d)
			prior.Drivers = append(prior.Drivers, drec.d)
		}
	}

	if err := s.write(ctx, batch, prior); err != nil {
		return models.Reservation{}, err
	}
	rrec.r = r
	if drec != nil {
		s.setDriver(drec, d)
	}
	notifyAll(notify, r)
	return r.Clone(), nil
}

// RegisterDriver creates a driver profile; an existing id is returned unchanged.
// The new record is published to the index already locked, so a concurrent
// registration of the same id waits for the first write and then sees its result.
func (s *Store) RegisterDriver(ctx context.Context, d models.Driver) (models.Driver, bool, error) {
	if d.ID == "" {
		return models.Driver{}, false, fmt.Errorf("%w: driver id is required", models.ErrValidation)
	}
	if err := d.CurrentLocation.Validate(); err != nil {
		return models.Driver{}, false, err
	}
	d.IsAvailable = true
	d.ActiveReservationID = ""

	for {
		s.mu.Lock()
		if rec, ok := s.drivers[d.ID]; ok {
			s.mu.Unlock()
			rec.mu.Lock()
			gone, existing := rec.gone, rec.d
			rec.mu.Unlock()
			if gone {
				continue
			}
			return existing, false, nil
		}
		rec := &driverRecord{}
		rec.mu.Lock()
		s.drivers[d.ID] = rec
		s.mu.Unlock()

		d.UpdatedAt = s.now()
		if err := s.write(ctx, Batch{Drivers: []models.Driver{d}}, Batch{}); err != nil {
			s.mu.Lock()
			delete(s.drivers, d.ID)
			s.mu.Unlock()
			rec.gone = true
			rec.mu.Unlock()
			return models.Driver{}, false, err
		}
		s.setDriver(rec, d)
		rec.mu.Unlock()
		return d, true, nil
	}
}

func (s *Store) GetDriver(_ context.Context, id string) (models.Driver, error) {
	rec := s.driver(id)
	if rec == nil {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.gone {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	return rec.d, nil
}

func (s *Store) ListDrivers(_ context.Context, pred func(*models.Driver) bool) []models.Driver {
	s.mu.RLock()
	recs := make([]*driverRecord, 0, len(s.drivers))
	for _, rec := range s.drivers {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]models.Driver, 0)
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.gone && (pred == nil || pred(&rec.d)) {
			out = append(out, rec.d)
		}
		rec.mu.Unlock()
	}
	return out
}

// DriverNotify observes a committed driver update under the driver's lock. The
// same rules as Notify apply.
type DriverNotify func(models.Driver)

// SetDriverLocation moves a driver. notify runs before the driver is unlocked,
// so it cannot interleave with the release of the driver's reservation.
func (s *Store) SetDriverLocation(ctx context.Context, id string, c models.Coord, notify ...DriverNotify) (models.Driver, error) {
	if err := c.Validate(); err != nil {
		return models.Driver{}, err
	}
	return s.mutateDriver(ctx, id, func(d *models.Driver) error {
		d.CurrentLocation = c
		return nil
	}, notify...)
}

// SetDriverAvailability toggles a driver on or off shift. A driver holding an
// active reservation cannot make itself available; only completion or
// cancellation releases it.
func (s *Store) SetDriverAvailability(ctx context.Context, id string, available bool) (models.Driver, error) {
	return s.mutateDriver(ctx, id, func(d *models.Driver) error {
		if d.ActiveReservationID != "" && available {
			return fmt.Errorf("%w: driver %s holds reservation %s", models.ErrConflict, id, d.ActiveReservationID)
		}
		d.IsAvailable = available
		return nil
	})
}

func (s *Store) SetDriverVehicle(ctx context.Context, id string, v models.VehicleInfo) (models.Driver, error) {
	return s.mutateDriver(ctx, id, func(d *models.Driver) error {
		d.Vehicle = v
		return nil
	})
}

func (s *Store) mutateDriver(ctx context.Context, id string, fn func(*models.Driver) error, notify ...DriverNotify) (models.Driver, error) {
	rec := s.driver(id)
	if rec == nil {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.gone {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, id)
	}
	d := rec.d
	if err := fn(&d); err != nil {
		return models.Driver{}, err
	}
	d.UpdatedAt = s.now()
	if err := s.write(ctx, Batch{Drivers: []models.Driver{d}}, Batch{}); err != nil {
		return models.Driver{}, err
	}
	s.setDriver(rec, d)
	for _, fn := range notify {
		if fn != nil {
			fn(d)
		}
	}
	return d, nil
}

// setDriver commits d into a locked record and keeps the availability count.
func (s *Store) setDriver(rec *driverRecord, d models.Driver) {
	switch {
	case d.IsAvailable && !rec.d.IsAvailable:
		s.trackAvailable(1)
	case !d.IsAvailable && rec.d.IsAvailable:
		s.trackAvailable(-1)
	}
	rec.d = d
}

func (s *Store) trackAvailable(delta int64) {
	if delta == 0 {
		return
	}
	s.available.Add(delta)
	observability.AvailableDrivers.Add(float64(delta))
}

func notifyAll(fns []Notify, r models.Reservation) {
	for _, fn := range fns {
		if fn != nil {
			fn(r.Clone())
		}
	}
}

// write persists b. A single record lands whole or not at all; when a larger
// batch fails part way, prior (the committed versions of the same records) is
// written back so durable state never holds half a batch.
func (s *Store) write(ctx context.Context, b, prior Batch) error {
	err := s.persist.Persist(ctx, b)
	if err == nil {
		return nil
	}
	if len(b.Reservations)+len(b.Drivers) > 1 {
		if rerr := s.persist.Persist(context.WithoutCancel(ctx), prior); rerr != nil {
			return fmt.Errorf("%w: %v (restore: %v)", models.ErrPersistence, err, rerr)
		}
	}
	return fmt.Errorf("%w: %v", models.ErrPersistence, err)
}

func (s *Store) reservation(id string) *reservationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reservations[id]
}

func (s *Store) driver(id string) *driverRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drivers[id]
}
