package broadcast

import (
	"sync"

	"github.com/example/parking-match/internal/models"
	"github.com/example/parking-match/internal/observability"
)

// Subscription is one party's membership in a reservation's subscriber set or
// in the driver feed.
type Subscription struct {
	b             *Broadcaster
	reservationID string
	partyID       string
	sink          Sink
	eligible      func() bool

	queue chan models.Event
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (b *Broadcaster) newSubscription(reservationID, partyID string, sink Sink, eligible func() bool) *Subscription {
	return &Subscription{
		b:             b,
		reservationID: reservationID,
		partyID:       partyID,
		sink:          sink,
		eligible:      eligible,
		queue:         make(chan models.Event, b.buffer),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (s *Subscription) ReservationID() string { return s.reservationID }

func (s *Subscription) PartyID() string { return s.partyID }

// Close leaves the subscriber set. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
	s.stop()
}

func (s *Subscription) start() {
	observability.Subscribers.Inc()
	go s.pump()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.quit)
		<-s.done
		observability.Subscribers.Dec()
	})
}

func (s *Subscription) enqueue(ev models.Event) {
	select {
	case s.queue <- ev:
	default:
		observability.EventsDropped.Inc()
	}
}

func (s *Subscription) pump() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.queue:
			if s.eligible != nil && !s.eligible() {
				continue
			}
			if err := s.sink.Send(ev); err != nil {
				observability.EventsDropped.Inc()
				s.b.logger.Debug("event_delivery_failed", "party", s.partyID, "reservation_id", ev.ReservationID, "type", ev.Type, "error", err)
			}
		}
	}
}
