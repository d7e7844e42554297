package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/parking-match/internal/auth"
	"github.com/example/parking-match/internal/models"
)

type coordBody struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (c coordBody) coord() (models.Coord, error) {
	if c.Latitude == nil || c.Longitude == nil {
		return models.Coord{}, fmt.Errorf("%w: latitude and longitude are required", models.ErrValidation)
	}
	return models.NewCoord(*c.Latitude, *c.Longitude)
}

type createReservationRequest struct {
	coordBody
	Address string `json:"address"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type registerDriverRequest struct {
	UserID    string             `json:"user_id"`
	Latitude  *float64           `json:"latitude"`
	Longitude *float64           `json:"longitude"`
	Vehicle   models.VehicleInfo `json:"vehicle"`
}

type availabilityRequest struct {
	IsAvailable *bool `json:"is_available"`
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := auth.RequireRole(actor, models.RoleRider); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createReservationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := req.coord()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.matching.RequestReservation(r.Context(), actor, models.Location{Coord: c, Address: req.Address})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.matching.ListMine(r.Context(), mustActor(r)))
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.matching.ListActive(r.Context(), mustActor(r)))
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.matching.GetReservation(r.Context(), mustActor(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if err := auth.RequireRole(actor, models.RoleDriver); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.matching.AcceptReservation(r.Context(), actor.ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	next, err := models.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.matching.UpdateStatus(r.Context(), mustActor(r), mux.Vars(r)["id"], next)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("longitude"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, r, fmt.Errorf("%w: latitude and longitude query parameters are required", models.ErrValidation))
		return
	}
	c, err := models.NewCoord(lat, lon)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := s.defaultRadius
	if v := q.Get("radius"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius < 0 {
			s.writeError(w, r, fmt.Errorf("%w: radius must be a non-negative number of meters", models.ErrValidation))
			return
		}
	}
	writeJSON(w, http.StatusOK, s.matching.FindNearbyDrivers(r.Context(), c, radius))
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req registerDriverRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var loc models.Coord
	if req.Latitude != nil || req.Longitude != nil {
		c, err := coordBody{Latitude: req.Latitude, Longitude: req.Longitude}.coord()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		loc = c
	}
	d, created, err := s.matching.RegisterDriver(r.Context(), mustActor(r), req.UserID, loc, req.Vehicle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, d)
}

func (s *Server) handleDriverProfile(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.driverActor(w, r)
	if !ok {
		return
	}
	d, err := s.matching.GetDriver(r.Context(), actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.driverActor(w, r)
	if !ok {
		return
	}
	var req coordBody
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := req.coord()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.matching.UpdateDriverLocation(r.Context(), actor.ID, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.driverActor(w, r)
	if !ok {
		return
	}
	var req availabilityRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IsAvailable == nil {
		s.writeError(w, r, fmt.Errorf("%w: is_available is required", models.ErrValidation))
		return
	}
	d, err := s.matching.SetDriverAvailability(r.Context(), actor.ID, *req.IsAvailable)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverVehicle(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.driverActor(w, r)
	if !ok {
		return
	}
	var v models.VehicleInfo
	if err := decodeBody(r, &v); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.matching.SetDriverVehicle(r.Context(), actor.ID, v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) driverActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor := mustActor(r)
	if err := auth.RequireRole(actor, models.RoleDriver); err != nil {
		s.writeError(w, r, err)
		return models.Actor{}, false
	}
	return actor, true
}

// mustActor returns the caller set by authMiddleware.
func mustActor(r *http.Request) models.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}
