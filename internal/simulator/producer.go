package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-alerts/internal/dto"
)

// JobName is the scheduler job name used by the producer.
const JobName = "alert-simulator"

// Publisher accepts generated alerts.
type Publisher interface {
	Publish(ctx context.Context, payload dto.AlertCreateRequest) (dto.AlertResponse, error)
}

// Registrar registers a recurring job.
type Registrar interface {
	Every(name string, interval time.Duration, fn func(ctx context.Context) error) error
}

// Producer publishes one generated alert per tick.
type Producer struct {
	generator *Generator
	publisher Publisher
	logger    zerolog.Logger
}

// NewProducer wires a generator to a publisher.
func NewProducer(generator *Generator, publisher Publisher, logger zerolog.Logger) *Producer {
	return &Producer{
		generator: generator,
		publisher: publisher,
		logger:    logger.With().Str("component", "alert_simulator").Logger(),
	}
}

// Tick generates and publishes a single alert.
func (p *Producer) Tick(ctx context.Context) error {
	payload := p.generator.Next()
	alert, err := p.publisher.Publish(ctx, payload)
	if err != nil {
		return fmt.Errorf("publish simulated alert: %w", err)
	}
	p.logger.Debug().
		Uint64("alert_id", alert.ID).
		Str("category", alert.Category).
		Str("priority", alert.Priority).
		Msg("simulated alert published")
	return nil
}

// Register schedules Tick on the given interval.
func (p *Producer) Register(registrar Registrar, interval time.Duration) error {
	return registrar.Every(JobName, interval, p.Tick)
}
