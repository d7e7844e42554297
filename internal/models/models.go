package models

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Coord is a validated latitude/longitude pair in decimal degrees.
type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// NewCoord returns a Coord or an ErrValidation when either value is out of range.
func NewCoord(lat, lon float64) (Coord, error) {
	c := Coord{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		return Coord{}, err
	}
	return c, nil
}

func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: invalid coordinates", ErrValidation)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", ErrValidation)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", ErrValidation)
	}
	return nil
}

type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

// Actor is the authenticated caller of a core operation.
type Actor struct {
	ID   string
	Role Role
	Name string
}

type Reservation struct {
	ID          string          `json:"id"`
	RiderID     string          `json:"rider_id"`
	RiderName   string          `json:"rider_name"`
	DriverID    string          `json:"driver_id,omitempty"`
	DriverName  string          `json:"driver_name,omitempty"`
	Location    Location        `json:"location"`
	Status      Status          `json:"status"`
	Price       decimal.Decimal `json:"price"`
	RequestedAt time.Time       `json:"requested_at"`
	AcceptedAt  *time.Time      `json:"accepted_at,omitempty"`
	SecuredAt   *time.Time      `json:"secured_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsParty reports whether actorID is the rider or the assigned driver.
func (r *Reservation) IsParty(actorID string) bool {
	if actorID == "" {
		return false
	}
	return r.RiderID == actorID || (r.DriverID != "" && r.DriverID == actorID)
}

// Clone returns a deep copy safe to hand out of the store.
func (r *Reservation) Clone() Reservation {
	cp := *r
	cp.AcceptedAt = cloneTime(r.AcceptedAt)
	cp.SecuredAt = cloneTime(r.SecuredAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return cp
}

type VehicleInfo struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	Color        string `json:"color"`
	LicensePlate string `json:"license_plate"`
}

type Driver struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	Name                string          `json:"name"`
	CurrentLocation     Coord           `json:"current_location"`
	IsAvailable         bool            `json:"is_available"`
	Vehicle             VehicleInfo     `json:"vehicle"`
	Earnings            decimal.Decimal `json:"earnings"`
	ActiveReservationID string          `json:"active_reservation_id,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type EventType string

const (
	EventNewReservation     EventType = "new-reservation"
	EventReservationUpdated EventType = "reservation-updated"
	EventDriverLocation     EventType = "driver-location-updated"
)

// Event is the payload fanned out to subscribers and forwarders.
type Event struct {
	Type          EventType    `json:"type"`
	ReservationID string       `json:"reservation_id,omitempty"`
	Reservation   *Reservation `json:"reservation,omitempty"`
	DriverID      string       `json:"driver_id,omitempty"`
	Location      *Coord       `json:"location,omitempty"`
	Origin        string       `json:"origin,omitempty"`
	At            time.Time    `json:"at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
