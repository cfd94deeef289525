package repository

import (
	"context"
	"time"

	"github.com/splax/rollout/internal/domain"
)

// SampleRepository persists telemetry samples.
type SampleRepository interface {
	InsertSample(ctx context.Context, sample *domain.Sample) error
	ListSamplesSince(ctx context.Context, since time.Time) ([]domain.Sample, error)
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountSamples(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}
