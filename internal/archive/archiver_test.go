package archive

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	cutoffs []time.Time
	err     error
}

func (s *fakeStore) ArchiveStaleListings(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return 3, s.err
}

func TestRunOnce_UsesMaxAgeCutoff(t *testing.T) {
	store := &fakeStore{}
	a := New(store, "0 3 * * *", 72*time.Hour)

	before := time.Now().UTC().Add(-72 * time.Hour)
	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	after := time.Now().UTC().Add(-72 * time.Hour)

	if len(store.cutoffs) != 1 {
		t.Fatalf("expected one archive call, got %d", len(store.cutoffs))
	}
	got := store.cutoffs[0]
	if got.Before(before) || got.After(after) {
		t.Fatalf("cutoff %v outside [%v, %v]", got, before, after)
	}
}

func TestRunOnce_PropagatesError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	a := New(store, "@hourly", time.Hour)
	if err := a.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	a := New(&fakeStore{}, "not a schedule", time.Hour)
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
