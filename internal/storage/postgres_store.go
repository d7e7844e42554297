package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/parking-match/internal/models"
)

// PostgresPersister writes each store batch in one transaction.
type PostgresPersister struct {
	db *sql.DB
}

func NewPostgresPersister(dsn string) (*PostgresPersister, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresPersister{db: db}, nil
}

func (p *PostgresPersister) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// ApplyMigration executes the SQL file at path.
func (p *PostgresPersister) ApplyMigration(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, string(b))
	return err
}

func (p *PostgresPersister) Persist(ctx context.Context, b Batch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range b.Reservations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (
				id, rider_id, rider_name, driver_id, driver_name,
				latitude, longitude, address, status, price,
				requested_at, accepted_at, secured_at, completed_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (id) DO UPDATE SET
				driver_id = EXCLUDED.driver_id,
				driver_name = EXCLUDED.driver_name,
				status = EXCLUDED.status,
				accepted_at = EXCLUDED.accepted_at,
				secured_at = EXCLUDED.secured_at,
				completed_at = EXCLUDED.completed_at,
				updated_at = EXCLUDED.updated_at`,
			r.ID, r.RiderID, r.RiderName, nullString(r.DriverID), r.DriverName,
			r.Location.Lat, r.Location.Lon, r.Location.Address, string(r.Status), r.Price,
			r.RequestedAt, r.AcceptedAt, r.SecuredAt, r.CompletedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert reservation %s: %w", r.ID, err)
		}
	}
	for _, d := range b.Drivers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO drivers (
				id, user_id, name, latitude, longitude, is_available,
				vehicle_make, vehicle_model, vehicle_color, license_plate,
				earnings, active_reservation_id, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				is_available = EXCLUDED.is_available,
				vehicle_make = EXCLUDED.vehicle_make,
				vehicle_model = EXCLUDED.vehicle_model,
				vehicle_color = EXCLUDED.vehicle_color,
				license_plate = EXCLUDED.license_plate,
				earnings = EXCLUDED.earnings,
				active_reservation_id = EXCLUDED.active_reservation_id,
				updated_at = EXCLUDED.updated_at`,
			d.ID, d.UserID, d.Name, d.CurrentLocation.Lat, d.CurrentLocation.Lon, d.IsAvailable,
			d.Vehicle.Make, d.Vehicle.Model, d.Vehicle.Color, d.Vehicle.LicensePlate,
			d.Earnings, nullString(d.ActiveReservationID), d.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert driver %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresPersister) Load(ctx context.Context) (Batch, error) {
	var b Batch
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, rider_id, rider_name, driver_id, driver_name,
		       latitude, longitude, address, status, price,
		       requested_at, accepted_at, secured_at, completed_at, updated_at
		FROM reservations`)
	if err != nil {
		return Batch{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var r models.Reservation
		var driverID sql.NullString
		var status string
		var acceptedAt, securedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.RiderID, &r.RiderName, &driverID, &r.DriverName,
			&r.Location.Lat, &r.Location.Lon, &r.Location.Address, &status, &r.Price,
			&r.RequestedAt, &acceptedAt, &securedAt, &completedAt, &r.UpdatedAt,
		); err != nil {
			return Batch{}, err
		}
		r.DriverID = driverID.String
		r.Status = models.Status(status)
		r.AcceptedAt = toTimePtr(acceptedAt)
		r.SecuredAt = toTimePtr(securedAt)
		r.CompletedAt = toTimePtr(completedAt)
		b.Reservations = append(b.Reservations, r)
	}
	if err := rows.Err(); err != nil {
		return Batch{}, err
	}

	drows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, name, latitude, longitude, is_available,
		       vehicle_make, vehicle_model, vehicle_color, license_plate,
		       earnings, active_reservation_id, updated_at
		FROM drivers`)
	if err != nil {
		return Batch{}, err
	}
	defer drows.Close()
	for drows.Next() {
		var d models.Driver
		var active sql.NullString
		if err := drows.Scan(
			&d.ID, &d.UserID, &d.Name, &d.CurrentLocation.Lat, &d.CurrentLocation.Lon, &d.IsAvailable,
			&d.Vehicle.Make, &d.Vehicle.Model, &d.Vehicle.Color, &d.Vehicle.LicensePlate,
			&d.Earnings, &active, &d.UpdatedAt,
		); err != nil {
			return Batch{}, err
		}
		d.ActiveReservationID = active.String
		b.Drivers = append(b.Drivers, d)
	}
	return b, drows.Err()
}

func (p *PostgresPersister) Close() error { return p.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
