// Package memory keeps telemetry samples in process memory for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
)

const defaultMaxSamples = 100_000

// Repository is a bounded in-memory sample store. The oldest samples are
// evicted once the cap is reached.
type Repository struct {
	mu      sync.RWMutex
	samples []domain.Sample
	max     int
}

var _ repository.SampleRepository = (*Repository)(nil)

// New returns a Repository holding at most maxSamples samples.
func New(maxSamples int) *Repository {
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	return &Repository{max: maxSamples}
}

// InsertSample appends a sample, evicting the oldest when full.
func (r *Repository) InsertSample(_ context.Context, sample *domain.Sample) error {
	if sample == nil {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, *sample)
	if over := len(r.samples) - r.max; over > 0 {
		r.samples = append([]domain.Sample(nil), r.samples[over:]...)
	}
	return nil
}

// ListSamplesSince returns samples received at or after since.
func (r *Repository) ListSamplesSince(_ context.Context, since time.Time) ([]domain.Sample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Sample, 0, len(r.samples))
	for _, s := range r.samples {
		if !s.ReceivedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

// DeleteSamplesBefore drops samples received before cutoff.
func (r *Repository) DeleteSamplesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.samples[:0]
	var removed int64
	for _, s := range r.samples {
		if s.ReceivedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	r.samples = kept
	return removed, nil
}

// CountSamples returns the number of stored samples.
func (r *Repository) CountSamples(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.samples)), nil
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error { return nil }
