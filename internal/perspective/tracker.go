package perspective

import (
	"context"
	"sort"
	"time"

	"sjsage522/shopwatch/logger"
	apperrors "sjsage522/shopwatch/pkg/errors"
)

// MetricsSource fetches current analytics readings for listing ids
type MetricsSource interface {
	FetchMetrics(ctx context.Context, ids []string) (map[string]Metrics, error)
}

// IngestResult summarises one Ingest or Refresh call
type IngestResult struct {
	Requested int
	Skipped   int
	Missing   int
	Stored    int
	Compacted int
}

// Tracker runs the Tracking -> Top/Archived pipeline
type Tracker struct {
	store      Store
	source     MetricsSource
	thresholds Thresholds
	now        func() time.Time
	log        *logger.Logger
}

// NewTracker creates a tracker
func NewTracker(store Store, source MetricsSource, thresholds Thresholds) *Tracker {
	return &Tracker{
		store:      store,
		source:     source,
		thresholds: thresholds,
		now:        time.Now,
		log:        logger.ForTracker(),
	}
}

// Ingest fetches readings for newly discovered listings (id -> url) and appends
// them to Tracking. Listings already Top or Archived are never fetched again.
// A failed fetch writes no readings; the unfetched listings are parked in the
// pending set so the next Refresh retries them.
func (t *Tracker) Ingest(ctx context.Context, discovered map[string]string) (IngestResult, error) {
	res := IngestResult{Requested: len(discovered)}
	if len(discovered) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(discovered))
	for id := range discovered {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	done, err := t.store.Terminal(ctx, ids)
	if err != nil {
		return res, apperrors.NewStore("tracker", "load terminal sets", err)
	}
	pending := ids[:0]
	for _, id := range ids {
		if _, ok := done[id]; ok {
			res.Skipped++
			continue
		}
		pending = append(pending, id)
	}

	readings := make(map[string]Snapshot, len(pending))
	if len(pending) > 0 {
		metrics, err := t.source.FetchMetrics(ctx, pending)
		if err != nil {
			t.log.Error().Err(err).Int("listings", len(pending)).Msg("Metric fetch failed, listings deferred")
			t.deferListings(ctx, pending, discovered)
			return res, apperrors.NewUpstream("tracker", "fetch metrics", err)
		}

		now := t.now()
		for _, id := range pending {
			m, ok := metrics[id]
			if !ok {
				res.Missing++
				continue
			}
			readings[id] = Snapshot{At: now, Metrics: m}
		}
	}

	stats, err := t.store.Append(ctx, discovered, readings)
	if err != nil {
		return res, apperrors.NewStore("tracker", "append readings", err)
	}
	res.Stored = stats.Stored
	res.Compacted = stats.Compacted
	res.Skipped += stats.Skipped

	t.log.Info().
		Int("requested", res.Requested).
		Int("stored", res.Stored).
		Int("skipped", res.Skipped).
		Int("missing", res.Missing).
		Int("compacted", res.Compacted).
		Msg("Readings ingested")
	return res, nil
}

func (t *Tracker) deferListings(ctx context.Context, ids []string, urls map[string]string) {
	parked := make(map[string]string, len(ids))
	for _, id := range ids {
		parked[id] = urls[id]
	}
	if err := t.store.Defer(ctx, parked); err != nil {
		t.log.Error().Err(err).Int("listings", len(parked)).Msg("Could not park listings for retry")
	}
}

// Refresh takes a new reading of every tracked listing and retries the
// listings whose first fetch failed
func (t *Tracker) Refresh(ctx context.Context) (IngestResult, error) {
	entries, err := t.store.Entries(ctx)
	if err != nil {
		return IngestResult{}, apperrors.NewStore("tracker", "load tracking", err)
	}
	deferred, err := t.store.Deferred(ctx)
	if err != nil {
		return IngestResult{}, apperrors.NewStore("tracker", "load pending", err)
	}
	tracked := make(map[string]string, len(entries)+len(deferred))
	for id, url := range deferred {
		tracked[id] = url
	}
	for _, e := range entries {
		if e.URL != "" || tracked[e.ListingID] == "" {
			tracked[e.ListingID] = e.URL
		}
	}
	return t.Ingest(ctx, tracked)
}

// Evaluate classifies every matured tracked listing and moves it to its terminal set
func (t *Tracker) Evaluate(ctx context.Context) ([]Classification, error) {
	entries, err := t.store.Entries(ctx)
	if err != nil {
		return nil, apperrors.NewStore("tracker", "load tracking", err)
	}

	now := t.now()
	var out []Classification
	for _, e := range entries {
		c, ok := t.thresholds.Classify(e, now)
		if !ok {
			continue
		}
		moved, err := t.store.Promote(ctx, c)
		if err != nil {
			return out, apperrors.NewStore("tracker", "promote "+c.ListingID, err)
		}
		if !moved {
			continue
		}
		t.log.Info().
			Str("listing", c.ListingID).
			Str("outcome", string(c.Outcome)).
			Float64("views_per_day", c.ViewsPerDay).
			Float64("likes_per_day", c.LikesPerDay).
			Int("days", c.DaysObserved).
			Msg("Listing classified")
		out = append(out, c)
	}
	return out, nil
}

// Report lists the counters that moved for every tracked listing since its first reading
func (t *Tracker) Report(ctx context.Context) ([]Change, error) {
	entries, err := t.store.Entries(ctx)
	if err != nil {
		return nil, apperrors.NewStore("tracker", "load tracking", err)
	}
	var out []Change
	for _, e := range entries {
		if ch, ok := Changes(e); ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

// Tracking returns the number of listings under observation
func (t *Tracker) Tracking(ctx context.Context) (int, error) {
	entries, err := t.store.Entries(ctx)
	if err != nil {
		return 0, apperrors.NewStore("tracker", "load tracking", err)
	}
	return len(entries), nil
}
