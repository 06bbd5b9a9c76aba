package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/driftlab/marketpulse/internal/analyze"
	"github.com/driftlab/marketpulse/internal/bus"
	"github.com/driftlab/marketpulse/internal/model"
)

// Store is the persistence the processor needs.
type Store interface {
	SaveAnalysis(ctx context.Context, listingID int64, a *model.Analysis, processedAt time.Time) error
	SetListingStatus(ctx context.Context, listingID int64, status model.ListingStatus) error
}

// Publisher publishes pipeline events. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// Processor enriches freshly scraped listings: it consumes new listing
// events, runs the analyzer, persists the enrichment with a processed status
// and republishes the enriched listing for the matcher. One listing id is
// only ever in flight on one partition, so there is a single writer per
// listing.
type Processor struct {
	store    Store
	pub      Publisher
	analyzer *analyze.Analyzer
}

// New creates a Processor.
func New(store Store, pub Publisher, analyzer *analyze.Analyzer) *Processor {
	return &Processor{store: store, pub: pub, analyzer: analyzer}
}

// Register subscribes the processor to new listings.
func (p *Processor) Register(b *bus.Bus) error {
	return b.Subscribe(model.TopicListingsNew, p.HandleListing)
}

// HandleListing is the bus handler for one new listing event.
func (p *Processor) HandleListing(ctx context.Context, key, value []byte) error {
	var ev model.ListingEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decode listing event: %w", err)
	}
	if ev.Kind != model.KindListing {
		return fmt.Errorf("unexpected event kind %q on %s", ev.Kind, model.TopicListingsNew)
	}
	return p.Process(ctx, &ev.Listing)
}

// Process enriches one listing and publishes the processed event. A
// persistence failure marks the listing as errored so it is not silently
// stuck in new.
func (p *Processor) Process(ctx context.Context, l *model.Listing) error {
	analysis := p.analyzer.Analyze(l)
	now := time.Now().UTC()

	if err := p.store.SaveAnalysis(ctx, l.ID, &analysis, now); err != nil {
		if serr := p.store.SetListingStatus(ctx, l.ID, model.StatusError); serr != nil {
			log.Printf("process: marking listing %d errored failed: %v", l.ID, serr)
		}
		return fmt.Errorf("persist enrichment for listing %d: %w", l.ID, err)
	}

	if analysis.IsSpam {
		log.Printf("process: listing %s flagged as spam (score %.2f)", l.ListingID, analysis.SpamScore)
	}

	enriched := *l
	enriched.Status = model.StatusProcessed
	enriched.ProcessedAt = &now
	enriched.Analysis = &analysis

	key := strconv.FormatInt(l.ID, 10)
	ev := model.NewListingEvent(enriched)
	if err := p.pub.Publish(ctx, model.TopicListingsProcessed, key, ev); err != nil {
		return fmt.Errorf("publish processed listing %d: %w", l.ID, err)
	}
	return nil
}
