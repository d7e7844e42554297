package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"github.com/example/parking-match/internal/models"
	"github.com/example/parking-match/internal/observability"
)

// failingPersister fails every write once armed.
type failingPersister struct {
	mu    sync.Mutex
	armed bool
}

func (f *failingPersister) Persist(context.Context, Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armed {
		return errors.New("disk full")
	}
	return nil
}
func (f *failingPersister) Load(context.Context) (Batch, error) { return Batch{}, nil }
func (f *failingPersister) Close() error { return nil }

func (f *failingPersister) arm() {
	f.mu.Lock()
	f.armed = true
	f.mu.Unlock()
}

// memPersister applies a batch record by record, like a store without
// transactions. With tornAfter > 0 the next batch stops after that many
// records and fails.
type memPersister struct {
	mu           sync.Mutex
	reservations map[string]models.Reservation
	drivers      map[string]models.Driver
	tornAfter    int
}

func newMemPersister() *memPersister {
	return &memPersister{reservations: map[string]models.Reservation{}, drivers: map[string]models.Driver{}}
}

func (m *memPersister) Persist(_ context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := m.tornAfter
	m.tornAfter = 0
	n := 0
	for _, r := range b.Reservations {
		if limit > 0 && n == limit {
			return errors.New("write interrupted")
		}
		m.reservations[r.ID] = r.Clone()
		n++
	}
	for _, d := range b.Drivers {
		if limit > 0 && n == limit {
			return errors.New("write interrupted")
		}
		m.drivers[d.ID] = d
		n++
	}
	return nil
}

func (m *memPersister) Load(context.Context) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b Batch
	for _, r := range m.reservations {
		b.Reservations = append(b.Reservations, r.Clone())
	}
	for _, d := range m.drivers {
		b.Drivers = append(b.Drivers, d)
	}
	return b, nil
}

func (m *memPersister) Close() error { return nil }

// slowFirstPersister keeps the last write per driver id and holds the first
// write back, widening any gap between a registration check and its insert.
type slowFirstPersister struct {
	mu      sync.Mutex
	drivers map[string]models.Driver
	writes  int
}

func (p *slowFirstPersister) Persist(_ context.Context, b Batch) error {
	p.mu.Lock()
	p.writes++
	first := p.writes == 1
	p.mu.Unlock()
	if first {
		time.Sleep(20 * time.Millisecond)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range b.Drivers {
		p.drivers[d.ID] = d
	}
	return nil
}
func (p *slowFirstPersister) Load(context.Context) (Batch, error) { return Batch{}, nil }
func (p *slowFirstPersister) Close() error { return nil }

func gaugeValue(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := observability.AvailableDrivers.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

var testLoc = models.Location{Coord: models.Coord{Lat: 37.0, Lon: -122.0}, Address: "1 Main St"}

func mustCreate(t *testing.T, s *Store, rider string) models.Reservation {
	t.Helper()
	r, err := s.CreateReservation(context.Background(), NewReservation{
		RiderID:   rider,
		RiderName: "Rider " + rider,
		Location:  testLoc,
		Price:     decimal.RequireFromString("10.00"),
	})
	if err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	return r
}

func mustDriver(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, _, err := s.RegisterDriver(context.Background(), models.Driver{ID: id, UserID: "u_" + id, Name: "Driver " + id}); err != nil {
		t.Fatalf("register driver: %v", err)
	}
}

func TestCreateReservation(t *testing.T) {
	s := NewStore(nil)
	r := mustCreate(t, s, "rider1")
	if r.ID == "" || r.Status != models.StatusPending || r.RequestedAt.IsZero() {
		t.Fatalf("unexpected reservation: %+v", r)
	}
	if r.DriverID != "" || r.AcceptedAt != nil || r.SecuredAt != nil || r.CompletedAt != nil {
		t.Fatalf("pending reservation must not carry driver or later stamps: %+v", r)
	}

	_, err := s.CreateReservation(context.Background(), NewReservation{RiderID: "rider1", Location: models.Location{Coord: models.Coord{Lat: 91}}})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := s.GetReservation(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndAssignDriverRace(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	r := mustCreate(t, s, "rider1")

	const drivers = 8
	for i := 0; i < drivers; i++ {
		mustDriver(t, s, fmt.Sprintf("d%d", i))
	}

	start := make(chan struct{})
	errs := make(chan error, drivers)
	var wg sync.WaitGroup
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := s.CompareAndAssignDriver(ctx, r.ID, id, "")
			errs <- err
		}(fmt.Sprintf("d%d", i))
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, models.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}

	got, _ := s.GetReservation(ctx, r.ID)
	if got.Status != models.StatusAccepted || got.DriverID == "" || got.AcceptedAt == nil {
		t.Fatalf("unexpected reservation after race: %+v", got)
	}
	busy := s.ListDrivers(ctx, func(d *models.Driver) bool { return !d.IsAvailable })
	if len(busy) != 1 || busy[0].ID != got.DriverID || busy[0].ActiveReservationID != r.ID {
		t.Fatalf("expected exactly the winner to be unavailable, got %+v", busy)
	}
}

func TestCompareAndAssignRequiresAvailableDriver(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	mustDriver(t, s, "d1")
	first := mustCreate(t, s, "rider1")
	second := mustCreate(t, s, "rider2")

	if _, err := s.CompareAndAssignDriver(ctx, first.ID, "d1", ""); err != nil {
		t.Fatalf("assign first: %v", err)
	}
	if _, err := s.CompareAndAssignDriver(ctx, second.ID, "d1", ""); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("busy driver: expected ErrConflict, got %v", err)
	}
	got, _ := s.GetReservation(ctx, second.ID)
	if got.Status != models.StatusPending || got.DriverID != "" {
		t.Fatalf("second reservation must stay pending: %+v", got)
	}
	if _, err := s.CompareAndAssignDriver(ctx, second.ID, "ghost", ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown driver: expected ErrNotFound, got %v", err)
	}
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	p := &failingPersister{}
	s := NewStore(p)
	mustDriver(t, s, "d1")
	r := mustCreate(t, s, "rider1")

	p.arm()
	if _, err := s.CompareAndAssignDriver(ctx, r.ID, "d1", ""); !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	got, _ := s.GetReservation(ctx, r.ID)
	if got.Status != models.StatusPending || got.DriverID != "" || got.AcceptedAt != nil {
		t.Fatalf("reservation partially applied: %+v", got)
	}
	d, _ := s.GetDriver(ctx, "d1")
	if !d.IsAvailable || d.ActiveReservationID != "" {
		t.Fatalf("driver partially applied: %+v", d)
	}
	if _, err := s.CreateReservation(ctx, NewReservation{RiderID: "rider2", Location: testLoc}); !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected ErrPersistence on create, got %v", err)
	}
	if n := len(s.ListReservations(ctx, nil)); n != 1 {
		t.Fatalf("failed create must not be visible, have %d reservations", n)
	}
}

func TestUpdateStatusReleasesAndCredits(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	mustDriver(t, s, "d1")
	r := mustCreate(t, s, "rider1")
	if _, err := s.CompareAndAssignDriver(ctx, r.ID, "d1", "Dee"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	credit := decimal.RequireFromString("12.50")
	got, err := s.UpdateStatus(ctx, r.ID, func(r *models.Reservation, now time.Time) (Effect, error) {
		r.Status = models.StatusCompleted
		return Effect{ReleaseDriver: true, Credit: credit}, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != models.StatusCompleted || got.DriverName != "Dee" {
		t.Fatalf("unexpected reservation: %+v", got)
	}
	d, _ := s.GetDriver(ctx, "d1")
	if !d.IsAvailable || d.ActiveReservationID != "" || !d.Earnings.Equal(credit) {
		t.Fatalf("driver not released and credited: %+v", d)
	}

	boom := errors.New("rejected")
	if _, err := s.UpdateStatus(ctx, r.ID, func(*models.Reservation, time.Time) (Effect, error) { return Effect{}, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestDriverAvailabilityWhileMatched(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	mustDriver(t, s, "d1")
	r := mustCreate(t, s, "rider1")
	if _, err := s.CompareAndAssignDriver(ctx, r.ID, "d1", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := s.SetDriverAvailability(ctx, "d1", true); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if d, err := s.SetDriverAvailability(ctx, "d1", false); err != nil || d.IsAvailable {
		t.Fatalf("going off shift while matched should be a no-op: %+v %v", d, err)
	}
}

func TestDriverFieldUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	mustDriver(t, s, "d1")

	if _, err := s.SetDriverLocation(ctx, "d1", models.Coord{Lat: 200}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	d, err := s.SetDriverLocation(ctx, "d1", models.Coord{Lat: 37.1, Lon: -122.1})
	if err != nil || d.CurrentLocation.Lat != 37.1 {
		t.Fatalf("set location: %+v %v", d, err)
	}
	d, err = s.SetDriverVehicle(ctx, "d1", models.VehicleInfo{Make: "Honda", Model: "Fit", Color: "blue", LicensePlate: "7ABC123"})
	if err != nil || d.Vehicle.Make != "Honda" {
		t.Fatalf("set vehicle: %+v %v", d, err)
	}
	d, err = s.SetDriverAvailability(ctx, "d1", false)
	if err != nil || d.IsAvailable {
		t.Fatalf("go offline: %+v %v", d, err)
	}
	if _, err := s.SetDriverLocation(ctx, "ghost", models.Coord{}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	again, created, err := s.RegisterDriver(ctx, models.Driver{ID: "d1", Name: "Other"})
	if err != nil || created || again.Name != "Driver d1" {
		t.Fatalf("re-registration must return the existing profile: %+v %v %v", again, created, err)
	}
}

func TestFilePersisterReloadsAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	if err != nil {
		t.Fatalf("file persister: %v", err)
	}
	s := NewStore(p)
	mustDriver(t, s, "d1")
	r := mustCreate(t, s, "rider1")
	accepted, err := s.CompareAndAssignDriver(ctx, r.ID, "d1", "")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	p2, err := NewFilePersister(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	restarted := NewStore(p2)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := restarted.GetReservation(ctx, r.ID)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if got.Status != models.StatusAccepted || got.DriverID != "d1" || !got.Price.Equal(accepted.Price) {
		t.Fatalf("reservation changed across restart: %+v", got)
	}
	if got.AcceptedAt == nil || !got.AcceptedAt.Equal(*accepted.AcceptedAt) {
		t.Fatalf("accepted_at changed across restart: %v", got.AcceptedAt)
	}
	d, err := restarted.GetDriver(ctx, "d1")
	if err != nil || d.IsAvailable || d.ActiveReservationID != r.ID {
		t.Fatalf("driver changed across restart: %+v %v", d, err)
	}
}

func TestFilePersisterBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	if err != nil {
		t.Fatalf("file persister: %v", err)
	}
	s := NewStore(p)
	mustDriver(t, s, "d1")
	r := mustCreate(t, s, "rider1")

	// make the driver half of the accept batch unwritable
	drivers := filepath.Join(dir, driversDir)
	aside := drivers + ".aside"
	if err := os.Rename(drivers, aside); err != nil {
		t.Fatalf("move drivers dir: %v", err)
	}
	if err := os.WriteFile(drivers, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("block drivers dir: %v", err)
	}
	if _, err := s.CompareAndAssignDriver(ctx, r.ID, "d1", ""); !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if err := os.Remove(drivers); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := os.Rename(aside, drivers); err != nil {
		t.Fatalf("restore drivers dir: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, reservationsDir))
	if err != nil {
		t.Fatalf("read reservations dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("staged file left behind: %s", e.Name())
		}
	}

	restarted := NewStore(p)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := restarted.GetReservation(ctx, r.ID)
	if err != nil || got.Status != models.StatusPending || got.DriverID != "" {
		t.Fatalf("reservation after failed accept: %+v %v", got, err)
	}
	d, err := restarted.GetDriver(ctx, "d1")
	if err != nil || !d.IsAvailable || d.ActiveReservationID != "" {
		t.Fatalf("driver after failed accept: %+v %v", d, err)
	}
}

func TestTornBatchIsRestored(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	s := NewStore(p)
	mustDriver(t, s, "d1")
	r := mustCreate(t, s, "rider1")

	p.tornAfter = 1
	if _, err := s.CompareAndAssignDriver(ctx, r.ID, "d1", ""); !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	restarted := NewStore(p)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, _ := restarted.GetReservation(ctx, r.ID)
	if got.Status != models.StatusPending || got.DriverID != "" {
		t.Fatalf("durable reservation kept half a batch: %+v", got)
	}
	d, _ := restarted.GetDriver(ctx, "d1")
	if !d.IsAvailable || d.ActiveReservationID != "" {
		t.Fatalf("durable driver kept half a batch: %+v", d)
	}

	if _, err := s.CompareAndAssignDriver(ctx, r.ID, "d1", ""); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	p.tornAfter = 1
	if _, err := s.UpdateStatus(ctx, r.ID, func(r *models.Reservation, _ time.Time) (Effect, error) {
		r.Status = models.StatusCompleted
		return Effect{ReleaseDriver: true, Credit: decimal.RequireFromString("5")}, nil
	}); !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	restarted = NewStore(p)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, _ = restarted.GetReservation(ctx, r.ID)
	d, _ = restarted.GetDriver(ctx, "d1")
	if got.Status != models.StatusAccepted || d.IsAvailable || !d.Earnings.IsZero() {
		t.Fatalf("durable state kept half a release: %+v %+v", got, d)
	}
}

func TestConcurrentRegistrationMatchesDurableProfile(t *testing.T) {
	ctx := context.Background()
	p := &slowFirstPersister{drivers: map[string]models.Driver{}}
	s := NewStore(p)

	start := make(chan struct{})
	var wg sync.WaitGroup
	created := make(chan bool, 2)
	for _, name := range []string{"first", "second"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			<-start
			_, ok, err := s.RegisterDriver(ctx, models.Driver{ID: "d1", Name: name})
			if err != nil {
				t.Errorf("register %s: %v", name, err)
			}
			created <- ok
		}(name)
	}
	close(start)
	wg.Wait()
	close(created)

	wins := 0
	for ok := range created {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one registration to create the driver, got %d", wins)
	}
	mem, err := s.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	p.mu.Lock()
	durable, writes := p.drivers["d1"], p.writes
	p.mu.Unlock()
	if writes != 1 {
		t.Fatalf("expected a single durable write, got %d", writes)
	}
	if mem.Name != durable.Name {
		t.Fatalf("memory has %q but disk has %q", mem.Name, durable.Name)
	}
}

func TestFailedRegistrationIsNotVisible(t *testing.T) {
	ctx := context.Background()
	p := &failingPersister{}
	s := NewStore(p)
	p.arm()
	if _, _, err := s.RegisterDriver(ctx, models.Driver{ID: "d1"}); !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, err := s.GetDriver(ctx, "d1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := len(s.ListDrivers(ctx, nil)); n != 0 {
		t.Fatalf("failed registration listed: %d drivers", n)
	}
}

func TestAvailableDriversTracksEveryChange(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	base := gaugeValue(t)
	check := func(step string, want int64) {
		t.Helper()
		if got := s.AvailableDrivers(); got != want {
			t.Fatalf("%s: store counts %d available, want %d", step, got, want)
		}
		if got := gaugeValue(t) - base; got != float64(want) {
			t.Fatalf("%s: gauge moved by %v, want %d", step, got, want)
		}
	}

	mustDriver(t, s, "d1")
	mustDriver(t, s, "d2")
	check("register", 2)

	r := mustCreate(t, s, "rider1")
	if _, err := s.CompareAndAssignDriver(ctx, r.ID, "d1", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	check("accept", 1)

	if _, err := s.SetDriverAvailability(ctx, "d2", false); err != nil {
		t.Fatalf("offline: %v", err)
	}
	check("offline", 0)
	if _, err := s.SetDriverAvailability(ctx, "d2", false); err != nil {
		t.Fatalf("offline again: %v", err)
	}
	check("offline again", 0)

	if _, err := s.UpdateStatus(ctx, r.ID, func(r *models.Reservation, _ time.Time) (Effect, error) {
		r.Status = models.StatusCompleted
		return Effect{ReleaseDriver: true}, nil
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	check("release", 1)

	if _, err := s.SetDriverAvailability(ctx, "d2", true); err != nil {
		t.Fatalf("online: %v", err)
	}
	check("online", 2)
}

func TestPostgresPersisterRoundTrip(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set; skipping integration test")
	}
	ctx := context.Background()
	p, err := NewPostgresPersister(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()
	if err := p.ApplyMigration(ctx, "../../migrations/001_create_reservations.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := NewStore(p)
	id := fmt.Sprintf("pg_driver_%d", time.Now().UnixNano())
	mustDriver(t, s, id)
	r := mustCreate(t, s, "pg_rider")
	if _, err := s.CompareAndAssignDriver(ctx, r.ID, id, ""); err != nil {
		t.Fatalf("assign: %v", err)
	}

	restarted := NewStore(p)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := restarted.GetReservation(ctx, r.ID)
	if err != nil || got.DriverID != id || got.Status != models.StatusAccepted {
		t.Fatalf("reservation after reload: %+v %v", got, err)
	}
}
