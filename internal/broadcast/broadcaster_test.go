package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/parking-match/internal/models"
)

type fakeDirectory struct {
	mu           sync.Mutex
	reservations map[string]models.Reservation
	drivers      map[string]models.Driver
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{reservations: map[string]models.Reservation{}, drivers: map[string]models.Driver{}}
}

func (f *fakeDirectory) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return models.Reservation{}, models.ErrNotFound
	}
	return r, nil
}

func (f *fakeDirectory) GetDriver(_ context.Context, id string) (models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[id]
	if !ok {
		return models.Driver{}, models.ErrNotFound
	}
	return d, nil
}

func (f *fakeDirectory) setAvailable(id string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.drivers[id]
	d.IsAvailable = v
	f.drivers[id] = d
}

type chanSink struct{ ch chan models.Event }

func newChanSink() *chanSink { return &chanSink{ch: make(chan models.Event, 64)} }

func (s *chanSink) Send(ev models.Event) error {
	s.ch <- ev
	return nil
}

func (s *chanSink) next(t *testing.T) models.Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func (s *chanSink) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// blockingSink never returns until released.
type blockingSink struct{ release chan struct{} }

func (s *blockingSink) Send(models.Event) error {
	<-s.release
	return nil
}

func setup() (*fakeDirectory, *Broadcaster) {
	dir := newFakeDirectory()
	dir.reservations["r1"] = models.Reservation{ID: "r1", RiderID: "rider1", DriverID: "d1", Status: models.StatusAccepted}
	dir.reservations["r2"] = models.Reservation{ID: "r2", RiderID: "rider2", Status: models.StatusPending}
	dir.drivers["d1"] = models.Driver{ID: "d1", IsAvailable: false}
	dir.drivers["d2"] = models.Driver{ID: "d2", IsAvailable: true}
	return dir, New(dir, WithBuffer(16))
}

func TestSubscribeAuthorization(t *testing.T) {
	_, b := setup()
	defer b.Close()
	ctx := context.Background()

	cases := []struct {
		name    string
		resID   string
		party   string
		wantErr error
	}{
		{"rider", "r1", "rider1", nil},
		{"assigned driver", "r1", "d1", nil},
		{"other driver", "r1", "d2", models.ErrUnauthorized},
		{"other rider", "r1", "rider2", models.ErrUnauthorized},
		{"empty party", "r1", "", models.ErrUnauthorized},
		{"driver before assignment", "r2", "d2", models.ErrUnauthorized},
		{"unknown reservation", "nope", "rider1", models.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub, err := b.Subscribe(ctx, tc.resID, tc.party, newChanSink())
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				sub.Close()
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPublishReachesOnlyThatReservation(t *testing.T) {
	dir, b := setup()
	defer b.Close()
	ctx := context.Background()
	dir.reservations["r3"] = models.Reservation{ID: "r3", RiderID: "rider3"}

	rider := newChanSink()
	driver := newChanSink()
	other := newChanSink()
	if _, err := b.Subscribe(ctx, "r1", "rider1", rider); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ctx, "r1", "d1", driver); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ctx, "r3", "rider3", other); err != nil {
		t.Fatal(err)
	}

	b.Publish("r1", models.Event{Type: models.EventReservationUpdated})
	for _, s := range []*chanSink{rider, driver} {
		ev := s.next(t)
		if ev.ReservationID != "r1" || ev.Origin != b.Origin() {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	other.none(t)
}

func TestPublishPreservesOrderPerReservation(t *testing.T) {
	_, b := setup()
	defer b.Close()
	sink := newChanSink()
	if _, err := b.Subscribe(context.Background(), "r1", "rider1", sink); err != nil {
		t.Fatal(err)
	}
	statuses := []models.Status{models.StatusNavigating, models.StatusSecured, models.StatusWaiting, models.StatusSwapping, models.StatusCompleted}
	for _, st := range statuses {
		b.Publish("r1", models.Event{Type: models.EventReservationUpdated, Reservation: &models.Reservation{ID: "r1", Status: st}})
	}
	for _, want := range statuses {
		if got := sink.next(t).Reservation.Status; got != want {
			t.Fatalf("out of order: want %s, got %s", want, got)
		}
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	_, b := setup()
	slow := &blockingSink{release: make(chan struct{})}
	if _, err := b.Subscribe(context.Background(), "r1", "rider1", slow); err != nil {
		t.Fatal(err)
	}
	fast := newChanSink()
	if _, err := b.Subscribe(context.Background(), "r1", "d1", fast); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("r1", models.Event{Type: models.EventReservationUpdated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	fast.next(t)
	close(slow.release)
	b.Close()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	_, b := setup()
	defer b.Close()
	sink := newChanSink()
	sub, err := b.Subscribe(context.Background(), "r1", "rider1", sink)
	if err != nil {
		t.Fatal(err)
	}
	if b.SubscriberCount("r1") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount("r1"))
	}
	sub.Close()
	sub.Close()
	if b.SubscriberCount("r1") != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount("r1"))
	}
	b.Publish("r1", models.Event{Type: models.EventReservationUpdated})
	sink.none(t)
}

func TestDriverFeedOnlyReachesAvailableDrivers(t *testing.T) {
	dir, b := setup()
	defer b.Close()
	ctx := context.Background()

	busy := newChanSink()
	free := newChanSink()
	if _, err := b.SubscribeDriverFeed(ctx, "d1", busy); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SubscribeDriverFeed(ctx, "d2", free); err != nil {
		t.Fatal(err)
	}
	if _, err := b.SubscribeDriverFeed(ctx, "ghost", newChanSink()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	b.Publish("r2", models.Event{Type: models.EventNewReservation})
	if ev := free.next(t); ev.Type != models.EventNewReservation || ev.ReservationID != "r2" {
		t.Fatalf("unexpected event %+v", ev)
	}
	busy.none(t)

	dir.setAvailable("d2", false)
	b.Publish("r3", models.Event{Type: models.EventNewReservation})
	free.none(t)
}

type recordingForwarder struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (f *recordingForwarder) Forward(_ context.Context, ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestForwardersSeePublishedButNotDelivered(t *testing.T) {
	dir := newFakeDirectory()
	ok := &recordingForwarder{}
	failing := &recordingForwarder{err: fmt.Errorf("broker down")}
	b := New(dir, WithForwarder("log", ok), WithForwarder("relay", failing))
	defer b.Close()

	b.Publish("r1", models.Event{Type: models.EventReservationUpdated})
	b.Deliver(models.Event{Type: models.EventReservationUpdated, ReservationID: "r1", Origin: "elsewhere"})

	deadline := time.Now().Add(2 * time.Second)
	for ok.count() < 1 || failing.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("forwarders never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if ok.count() != 1 {
		t.Fatalf("relayed event must not be forwarded again, got %d forwards", ok.count())
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	_, b := setup()
	b.Close()
	b.Close()
	if _, err := b.Subscribe(context.Background(), "r1", "rider1", newChanSink()); err == nil {
		t.Fatal("expected error after close")
	}
	b.Publish("r1", models.Event{Type: models.EventReservationUpdated})
}
