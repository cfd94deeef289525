// Package ingest validates, stores and aggregates installation telemetry.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/rollout/internal/domain"
	"github.com/splax/rollout/internal/repository"
	"github.com/splax/rollout/internal/ws"
)

const (
	// StreamChannel is the hub channel carrying accepted samples.
	StreamChannel = "samples"

	defaultSummaryWindow = 24 * time.Hour
	defaultRetention     = 30 * 24 * time.Hour
	defaultSweepInterval = time.Hour
)

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	SupportedSchemaVersions []int
	SummaryWindow           time.Duration
	Retention               time.Duration
	SweepInterval           time.Duration
}

// Service ingests telemetry samples and serves cohort summaries.
type Service struct {
	repo      repository.SampleRepository
	registry  *Registry
	hub       *ws.Hub
	supported map[int]struct{}
	window    time.Duration
	retention time.Duration
	sweep     time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Accepted is the outcome of a successful ingest.
type Accepted struct {
	Sample domain.Sample
}

// New constructs a Service. hub may be nil when live streaming is not needed.
func New(repo repository.SampleRepository, registry *Registry, hub *ws.Hub, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "telemetry_ingest")
	if registry == nil {
		registry = NewRegistry(nil, 0.1, logger)
	}
	versions := opts.SupportedSchemaVersions
	if len(versions) == 0 {
		versions = []int{1}
	}
	supported := make(map[int]struct{}, len(versions))
	for _, v := range versions {
		supported[v] = struct{}{}
	}
	s := &Service{
		repo:      repo,
		registry:  registry,
		hub:       hub,
		supported: supported,
		window:    opts.SummaryWindow,
		retention: opts.Retention,
		sweep:     opts.SweepInterval,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	if s.window <= 0 {
		s.window = defaultSummaryWindow
	}
	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.sweep <= 0 {
		s.sweep = defaultSweepInterval
	}
	return s
}

// Ingest validates body, derives the cohort for sourceID and persists the
// sample. Rejected payloads return a *ValidationError.
func (s *Service) Ingest(ctx context.Context, body []byte, sourceID string) (Accepted, error) {
	if s == nil {
		return Accepted{}, errors.New("telemetry service not initialised")
	}
	payload, err := decodePayload(body, s.supported)
	if err != nil {
		return Accepted{}, err
	}
	now := s.now().UTC()
	sample := sanitize(payload, now)
	sample.ID = s.newID()
	sample.ReceivedAt = now
	if sample.InstallID == "" {
		sample.InstallID = strings.TrimSpace(sourceID)
	}
	if sample.InstallID == "" {
		sample.InstallID = "anonymous"
	}

	assigned, err := s.registry.Resolve(ctx, sample.InstallID, sample.ReportedCohort)
	if err != nil {
		return Accepted{}, fmt.Errorf("resolve cohort: %w", err)
	}
	sample.Cohort = assigned
	if sample.ReportedCohort != "" && sample.ReportedCohort != assigned {
		s.logger.Debug("reported cohort ignored", "install_id", sample.InstallID, "reported", sample.ReportedCohort, "stored", assigned)
	}

	copySample := sample
	if err := s.repo.InsertSample(ctx, &copySample); err != nil {
		return Accepted{}, fmt.Errorf("persist sample: %w", err)
	}
	s.broadcast(copySample)
	return Accepted{Sample: copySample}, nil
}

// Summary aggregates the samples received within the summary window.
func (s *Service) Summary(ctx context.Context) (domain.Summary, error) {
	if s == nil {
		return domain.Summary{}, errors.New("telemetry service not initialised")
	}
	now := s.now().UTC()
	from := now.Add(-s.window)
	samples, err := s.repo.ListSamplesSince(ctx, from)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("list samples: %w", err)
	}
	total, err := s.repo.CountSamples(ctx)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("count samples: %w", err)
	}
	agg := newSummaryAggregator(from, now)
	for _, sample := range samples {
		agg.add(sample)
	}
	return agg.summary(total, now), nil
}

// Healthy reports whether the sample store is reachable.
func (s *Service) Healthy(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Hub exposes the live sample stream.
func (s *Service) Hub() *ws.Hub {
	if s == nil {
		return nil
	}
	return s.hub
}

func (s *Service) broadcast(sample domain.Sample) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		s.logger.Warn("failed to marshal sample", "error", err)
		return
	}
	s.hub.Broadcast(StreamChannel, payload)
}
