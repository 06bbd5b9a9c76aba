package archive

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Store is the persistence the archiver needs.
type Store interface {
	ArchiveStaleListings(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver periodically moves listings that sat in new or processed for too
// long to archived, keeping the live tables small.
type Archiver struct {
	store    Store
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
}

// New creates an Archiver. schedule is a cron expression; maxAge is how old a
// listing may get before it is archived.
func New(store Store, schedule string, maxAge time.Duration) *Archiver {
	return &Archiver{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start schedules the archive job and starts the cron runner.
func (a *Archiver) Start(ctx context.Context) error {
	_, err := a.cron.AddFunc(a.schedule, func() {
		if err := a.RunOnce(ctx); err != nil {
			log.Printf("archive: run failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	a.cron.Start()
	log.Printf("archive: scheduled %q, max age %s", a.schedule, a.maxAge)
	return nil
}

// Stop stops the cron runner and waits for a running job to finish.
func (a *Archiver) Stop() {
	<-a.cron.Stop().Done()
}

// RunOnce archives everything older than the max age right now.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.maxAge)
	n, err := a.store.ArchiveStaleListings(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("archive: archived %d stale listing(s)", n)
	}
	return nil
}
