package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/parking-match/internal/models"
	"github.com/example/parking-match/internal/observability"
)

// LocationReport is one driver position message on the locations topic.
type LocationReport struct {
	DriverID  string  `json:"driver_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// LocationSink applies a driver location update.
type LocationSink interface {
	UpdateDriverLocation(ctx context.Context, driverID string, c models.Coord) (models.Driver, error)
}

// LocationConsumer feeds driver location reports from Kafka into the core.
type LocationConsumer struct {
	reader MessageReader
	sink   LocationSink
	logger *slog.Logger

	Attempts   int
	RetryDelay time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func NewLocationConsumer(brokers []string, topic, group string, sink LocationSink, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return NewLocationConsumerWithReader(r, sink, logger)
}

func NewLocationConsumerWithReader(r MessageReader, sink LocationSink, logger *slog.Logger) *LocationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationConsumer{
		reader:     r,
		sink:       sink,
		logger:     logger,
		Attempts:   3,
		RetryDelay: 200 * time.Millisecond,
		Backoff:    time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially;
// bad messages are counted and skipped.
func (c *LocationConsumer) Run(ctx context.Context) error {
	backoff := c.Backoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka_read_failed", "error", err, "backoff", backoff.String())
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
			continue
		}
		backoff = c.Backoff
		c.handle(ctx, m)
	}
}

func (c *LocationConsumer) handle(ctx context.Context, m kafka.Message) {
	observability.LocationMessages.WithLabelValues("consumed").Inc()
	rep, coord, err := decodeReport(m.Value)
	if err != nil {
		observability.LocationMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("location_message_invalid", "offset", m.Offset, "error", err)
		return
	}
	if err := c.applyWithRetry(ctx, rep.DriverID, coord); err != nil {
		observability.LocationMessages.WithLabelValues("failed").Inc()
		c.logger.Error("location_update_failed", "driver_id", rep.DriverID, "error", err)
		return
	}
	observability.LocationMessages.WithLabelValues("applied").Inc()
}

func decodeReport(b []byte) (LocationReport, models.Coord, error) {
	var rep LocationReport
	if err := json.Unmarshal(b, &rep); err != nil {
		return LocationReport{}, models.Coord{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if rep.DriverID == "" {
		return LocationReport{}, models.Coord{}, fmt.Errorf("%w: driver_id is required", models.ErrValidation)
	}
	coord, err := models.NewCoord(rep.Latitude, rep.Longitude)
	if err != nil {
		return LocationReport{}, models.Coord{}, err
	}
	return rep, coord, nil
}

// applyWithRetry retries only failures that can succeed later; a rejected
// update (bad coordinates, unknown driver) fails at once.
func (c *LocationConsumer) applyWithRetry(ctx context.Context, driverID string, coord models.Coord) error {
	delay := c.RetryDelay
	var err error
	for i := 0; i < c.Attempts; i++ {
		if _, err = c.sink.UpdateDriverLocation(ctx, driverID, coord); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrNotFound) {
			return err
		}
		if i == c.Attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func (c *LocationConsumer) Close() error { return c.reader.Close() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
