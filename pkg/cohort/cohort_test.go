package cohort

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/rollout/pkg/kv"
)

func fixed(v float64) func() float64 { return func() float64 { return v } }

func TestGetOrAssignIsSticky(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	first := NewAssigner(store, WithRandom(fixed(0.05)))
	got, err := first.GetOrAssign(ctx)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got != Canary {
		t.Fatalf("expected canary for draw below percent, got %s", got)
	}

	// A second assigner with a draw that would pick stable must not reassign.
	second := NewAssigner(store, WithRandom(fixed(0.99)))
	for i := 0; i < 3; i++ {
		again, err := second.GetOrAssign(ctx)
		if err != nil {
			t.Fatalf("reassign: %v", err)
		}
		if again != Canary {
			t.Fatalf("expected sticky canary, got %s", again)
		}
	}
}

func TestGetOrAssignStableAboveThreshold(t *testing.T) {
	a := NewAssigner(kv.NewMemoryStore(), WithRandom(fixed(0.10)))
	got, err := a.GetOrAssign(context.Background())
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got != Stable {
		t.Fatalf("expected stable at draw == percent, got %s", got)
	}
}

func TestCanaryFractionApproximatesPercent(t *testing.T) {
	ctx := context.Background()
	canary := 0
	const n = 5000
	for i := 0; i < n; i++ {
		a := NewAssigner(kv.NewMemoryStore(), WithCanaryPercent(0.1))
		c, err := a.GetOrAssign(ctx)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if c == Canary {
			canary++
		}
	}
	frac := float64(canary) / n
	if frac < 0.07 || frac > 0.13 {
		t.Fatalf("canary fraction %.3f outside tolerance", frac)
	}
}

func TestSwitchValidatesAndPersists(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewAssigner(store, WithRandom(fixed(0.9)), WithClock(func() time.Time { return now }))

	if _, err := a.GetOrAssign(ctx); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := a.Switch(ctx, "beta"); !errors.Is(err, ErrInvalidCohort) {
		t.Fatalf("expected ErrInvalidCohort, got %v", err)
	}
	if c, _ := a.GetOrAssign(ctx); c != Stable {
		t.Fatalf("invalid switch must not change cohort, got %s", c)
	}

	if _, err := a.Switch(ctx, "canary"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	rec, err := NewAssigner(store).Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rec.Cohort != Canary || rec.Source != SourceOperator || !rec.AssignedAt.Equal(now) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestLegacyRecordUpgraded(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, DefaultKey, []byte(`"canary"`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	a := NewAssigner(store, WithRandom(fixed(0.99)))
	c, err := a.GetOrAssign(ctx)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if c != Canary {
		t.Fatalf("expected legacy canary kept, got %s", c)
	}
	rec, err := a.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rec.Version != RecordVersion || rec.Source != SourceLegacy {
		t.Fatalf("expected upgraded record, got %+v", rec)
	}
}

func TestAdoptOnlyOnFirstSighting(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	a := NewAssigner(store, WithRandom(fixed(0.99)))

	c, err := a.Adopt(ctx, Canary)
	if err != nil || c != Canary {
		t.Fatalf("adopt: %s %v", c, err)
	}
	c, err = a.Adopt(ctx, Stable)
	if err != nil || c != Canary {
		t.Fatalf("expected stored canary to win, got %s %v", c, err)
	}
}

func TestFeedURL(t *testing.T) {
	a := NewAssigner(kv.NewMemoryStore(), WithFeedURLs("https://s/", "https://c/"))
	if a.FeedURL(Canary) != "https://c/" || a.FeedURL(Stable) != "https://s/" {
		t.Fatalf("unexpected feed mapping")
	}
}
