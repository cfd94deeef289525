package ingest

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/splax/rollout/pkg/cohort"
	"github.com/splax/rollout/pkg/kv"
)

const registryStripes = 64

// Registry remembers the cohort of every installation that has reported.
// The stored cohort always wins over what a sample claims.
type Registry struct {
	store         kv.Store
	canaryPercent float64
	logger        *slog.Logger
	random        func() float64

	locks [registryStripes]sync.Mutex
}

// NewRegistry returns a Registry persisting into store.
func NewRegistry(store kv.Store, canaryPercent float64, logger *slog.Logger) *Registry {
	if store == nil {
		store = kv.NewMemoryStore()
	}
	return &Registry{store: store, canaryPercent: canaryPercent, logger: logger, random: rand.Float64}
}

// Resolve returns the cohort for installID. On first sighting the reported
// cohort is adopted when valid; otherwise one is drawn.
func (r *Registry) Resolve(ctx context.Context, installID, reported string) (string, error) {
	lock := &r.locks[stripe(installID)]
	lock.Lock()
	defer lock.Unlock()

	opts := []cohort.Option{
		cohort.WithKey("install:" + installID + ":cohort"),
		cohort.WithCanaryPercent(r.canaryPercent),
		cohort.WithLogger(r.logger),
		cohort.WithRandom(r.random),
	}
	assigner := cohort.NewAssigner(r.store, opts...)
	c, err := assigner.Adopt(ctx, cohort.Cohort(reported))
	if err != nil {
		return "", err
	}
	return string(c), nil
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % registryStripes
}
