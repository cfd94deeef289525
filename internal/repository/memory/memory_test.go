package memory

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/splax/rollout/internal/domain"
)

func TestRepositoryEvictsOldest(t *testing.T) {
	repo := New(3)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s := domain.Sample{ID: strconv.Itoa(i), ReceivedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.InsertSample(ctx, &s); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	all, _ := repo.ListSamplesSince(ctx, time.Time{})
	if len(all) != 3 || all[0].ID != "2" {
		t.Fatalf("expected newest three samples, got %+v", all)
	}
}

func TestRepositoryWindowAndRetention(t *testing.T) {
	repo := New(0)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s := domain.Sample{ID: strconv.Itoa(i), ReceivedAt: base.Add(time.Duration(i) * time.Hour)}
		_ = repo.InsertSample(ctx, &s)
	}
	recent, _ := repo.ListSamplesSince(ctx, base.Add(2*time.Hour))
	if len(recent) != 2 {
		t.Fatalf("expected two samples in window, got %d", len(recent))
	}
	removed, err := repo.DeleteSamplesBefore(ctx, base.Add(90*time.Minute))
	if err != nil || removed != 2 {
		t.Fatalf("expected two removed, got %d %v", removed, err)
	}
	if n, _ := repo.CountSamples(ctx); n != 2 {
		t.Fatalf("expected two remaining, got %d", n)
	}
}
