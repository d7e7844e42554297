package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/parking-match/internal/models"
	"github.com/example/parking-match/internal/observability"
)

// Sink receives events for one subscriber. Send may block; the broadcaster
// never calls it from the publishing goroutine.
type Sink interface {
	Send(ev models.Event) error
}

// Forwarder copies published events to another system (event log, relay).
type Forwarder interface {
	Forward(ctx context.Context, ev models.Event) error
}

// Directory is the read-only view of reservations and drivers the
// broadcaster needs for authorization and feed eligibility.
type Directory interface {
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
}

const defaultBuffer = 32

type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithOrigin overrides the instance id stamped on locally published events.
func WithOrigin(id string) Option { return func(b *Broadcaster) { b.origin = id } }

func WithLogger(l *slog.Logger) Option { return func(b *Broadcaster) { b.logger = l } }

// WithForwarder registers a named forwarder. Forwarding runs on its own
// goroutine and never delays local delivery.
func WithForwarder(name string, f Forwarder) Option {
	return func(b *Broadcaster) { b.forwarders = append(b.forwarders, namedForwarder{name: name, f: f}) }
}

type namedForwarder struct {
	name string
	f    Forwarder
}

// Broadcaster fans events out to per-reservation subscriber sets and to the
// driver feed. Publish never blocks: each subscription owns a bounded queue
// drained by its own goroutine, and a full queue drops the event.
type Broadcaster struct {
	dir    Directory
	logger *slog.Logger
	origin string
	buffer int

	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	feed   map[*Subscription]struct{}
	closed bool

	forwarders []namedForwarder
	fwdQueue   chan models.Event
	fwdDone    chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(dir Directory, opts ...Option) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		dir:     dir,
		logger:  slog.Default(),
		origin:  uuid.NewString(),
		buffer:  defaultBuffer,
		rooms:   make(map[string]map[*Subscription]struct{}),
		feed:    make(map[*Subscription]struct{}),
		fwdDone: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(b)
	}
	if len(b.forwarders) > 0 {
		b.fwdQueue = make(chan models.Event, b.buffer*8)
		go b.forwardLoop()
	} else {
		close(b.fwdDone)
	}
	return b
}

// Origin identifies this instance on forwarded events.
func (b *Broadcaster) Origin() string { return b.origin }

// Subscribe joins partyID to the reservation's subscriber set. Only the rider
// and the assigned driver may join.
func (b *Broadcaster) Subscribe(ctx context.Context, reservationID, partyID string, sink Sink) (*Subscription, error) {
	r, err := b.dir.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if partyID == "" || !r.IsParty(partyID) {
		return nil, fmt.Errorf("%w: %s is not a party to reservation %s", models.ErrUnauthorized, partyID, reservationID)
	}

	sub := b.newSubscription(reservationID, partyID, sink, nil)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broadcaster closed")
	}
	set, ok := b.rooms[reservationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.rooms[reservationID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	sub.start()
	return sub, nil
}

// SubscribeDriverFeed delivers new-reservation events to driverID for as long
// as the driver is available. The availability check runs at delivery time.
func (b *Broadcaster) SubscribeDriverFeed(ctx context.Context, driverID string, sink Sink) (*Subscription, error) {
	if _, err := b.dir.GetDriver(ctx, driverID); err != nil {
		return nil, err
	}
	eligible := func() bool {
		d, err := b.dir.GetDriver(b.ctx, driverID)
		return err == nil && d.IsAvailable
	}
	sub := b.newSubscription("", driverID, sink, eligible)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broadcaster closed")
	}
	b.feed[sub] = struct{}{}
	b.mu.Unlock()

	sub.start()
	return sub, nil
}

// Publish delivers ev to local subscribers and queues it for the forwarders.
func (b *Broadcaster) Publish(reservationID string, ev models.Event) {
	if ev.ReservationID == "" {
		ev.ReservationID = reservationID
	}
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	observability.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	b.Deliver(ev)
	b.forward(ev)
}

// Deliver hands ev to local subscribers only. Relayed events from other
// instances enter here.
func (b *Broadcaster) Deliver(ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if ev.Type == models.EventNewReservation {
		for sub := range b.feed {
			sub.enqueue(ev)
		}
		return
	}
	for sub := range b.rooms[ev.ReservationID] {
		sub.enqueue(ev)
	}
}

// SubscriberCount reports how many parties are joined to reservationID.
func (b *Broadcaster) SubscriberCount(reservationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[reservationID])
}

// Close stops every subscription and the forwarding goroutine. Queued but
// undelivered events are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription
	for _, set := range b.rooms {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	for sub := range b.feed {
		subs = append(subs, sub)
	}
	b.rooms = make(map[string]map[*Subscription]struct{})
	b.feed = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.cancel()
	<-b.fwdDone
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.reservationID == "" {
		delete(b.feed, sub)
		return
	}
	set := b.rooms[sub.reservationID]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.rooms, sub.reservationID)
	}
}

func (b *Broadcaster) forward(ev models.Event) {
	if b.fwdQueue == nil {
		return
	}
	select {
	case b.fwdQueue <- ev:
	default:
		observability.ForwardErrors.WithLabelValues("queue_full").Inc()
	}
}

func (b *Broadcaster) forwardLoop() {
	defer close(b.fwdDone)
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.fwdQueue:
			for _, nf := range b.forwarders {
				if err := nf.f.Forward(b.ctx, ev); err != nil {
					observability.ForwardErrors.WithLabelValues(nf.name).Inc()
					b.logger.Warn("event_forward_failed", "forwarder", nf.name, "type", ev.Type, "reservation_id", ev.ReservationID, "error", err)
				}
			}
		}
	}
}
