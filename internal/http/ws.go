package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/parking-match/internal/broadcast"
	"github.com/example/parking-match/internal/models"
)

const (
	frameJoinReservation  = "join-reservation"
	frameLeaveReservation = "leave-reservation"
	frameJoinDriverFeed   = "join-driver-feed"
	frameError            = "error"

	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

type clientFrame struct {
	Type          string `json:"type"`
	ReservationID string `json:"reservation_id,omitempty"`
}

type errorFrame struct {
	Type          string `json:"type"`
	ReservationID string `json:"reservation_id,omitempty"`
	Error         string `json:"error"`
}

// wsSession tracks one connection's subscriptions.
type wsSession struct {
	actor models.Actor
	sink  *broadcast.WSSink

	mu   sync.Mutex
	subs map[string]*broadcast.Subscription
	feed *broadcast.Subscription
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	actor, err := s.tokens.Verify(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or missing bearer token"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws_upgrade_failed", "error", err)
		return
	}
	sess := &wsSession{actor: actor, sink: broadcast.NewWSSink(conn), subs: make(map[string]*broadcast.Subscription)}
	s.logger.Info("ws_connected", "actor", actor.ID, "role", actor.Role)

	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
		sess.closeAll()
		s.logger.Info("ws_disconnected", "actor", actor.ID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := sess.sink.Ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f clientFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if err := s.handleFrame(r, sess, f); err != nil {
			_ = sess.sink.WriteJSON(errorFrame{Type: frameError, ReservationID: f.ReservationID, Error: err.Error()})
		}
	}
}

func (s *Server) handleFrame(r *http.Request, sess *wsSession, f clientFrame) error {
	switch f.Type {
	case frameJoinReservation:
		sess.mu.Lock()
		_, joined := sess.subs[f.ReservationID]
		sess.mu.Unlock()
		if joined {
			return nil
		}
		sub, err := s.events.Subscribe(r.Context(), f.ReservationID, sess.actor.ID, sess.sink)
		if err != nil {
			return err
		}
		sess.mu.Lock()
		sess.subs[f.ReservationID] = sub
		sess.mu.Unlock()
		return nil
	case frameLeaveReservation:
		sess.mu.Lock()
		sub := sess.subs[f.ReservationID]
		delete(sess.subs, f.ReservationID)
		sess.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return nil
	case frameJoinDriverFeed:
		if sess.actor.Role != models.RoleDriver {
			return models.ErrUnauthorized
		}
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.feed != nil {
			return nil
		}
		sub, err := s.events.SubscribeDriverFeed(r.Context(), sess.actor.ID, sess.sink)
		if err != nil {
			return err
		}
		sess.feed = sub
		return nil
	default:
		return models.ErrValidation
	}
}

func (sess *wsSession) closeAll() {
	sess.mu.Lock()
	subs := make([]*broadcast.Subscription, 0, len(sess.subs)+1)
	for _, sub := range sess.subs {
		subs = append(subs, sub)
	}
	if sess.feed != nil {
		subs = append(subs, sess.feed)
	}
	sess.subs = nil
	sess.feed = nil
	sess.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
