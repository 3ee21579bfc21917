// Package worker composes one scrape or analytics run: lock, fetch, snapshot,
// diff, tracking, classification and the outward events.
package worker

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"sjsage522/shopwatch/helpers"
	"sjsage522/shopwatch/internal/bridge"
	"sjsage522/shopwatch/internal/catalog"
	"sjsage522/shopwatch/internal/fetch"
	"sjsage522/shopwatch/internal/lock"
	"sjsage522/shopwatch/internal/perspective"
	"sjsage522/shopwatch/internal/snapshot"
	"sjsage522/shopwatch/logger"
	"sjsage522/shopwatch/services/export"
	"sjsage522/shopwatch/services/publisher"
	"sjsage522/shopwatch/services/shops"
)

// ErrAlreadyRunning is the outcome of a trigger while another run holds the lock
var ErrAlreadyRunning = errors.New("a run is already in progress")

// Run kinds
const (
	KindScrape    = "scrape"
	KindAnalytics = "analytics"
)

// Fetcher is the page fetch orchestrator as seen by the worker
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Result, error)
	Close() error
}

var _ Fetcher = (*fetch.Orchestrator)(nil)

// Deps are the collaborators of a worker
type Deps struct {
	Lock      lock.Lock
	Shops     shops.Loader
	Fetcher   Fetcher
	Extractor *catalog.Extractor
	Snapshots *snapshot.Store
	Tracker   *perspective.Tracker
	Sink      publisher.Sink
	Exporter  export.Exporter
	Logger    helpers.LoggerInterface
}

// Options tunes the scrape loop
type Options struct {
	// ShopDelay is the pause between shops
	ShopDelay time.Duration
	// MaxPages bounds pagination per shop; 1 reads only the newest-first page
	MaxPages int
	// Heartbeat is how often a held lock is refreshed; keep it well below the staleness window
	Heartbeat time.Duration
}

// Summary is the coarse outcome of a scrape run
type Summary struct {
	RunID          string
	ShopsTotal     int
	ShopsSucceeded int
	ShopsFailed    int
	ProductsFound  int
	NewListings    int
	Tracked        int
	Top            int
	Archived       int
	Stopped        bool
}

// AnalyticsSummary is the outcome of an analytics run
type AnalyticsSummary struct {
	RunID     string
	Tracked   int
	Stored    int
	Compacted int
	Missing   int
	Top       int
	Archived  int
	Changes   []perspective.Change
}

// Worker runs jobs; runs are mutually exclusive through the lock
type Worker struct {
	deps  Deps
	opts  Options
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a new worker
func NewWorker(deps Deps, opts Options) *Worker {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = time.Minute
	}
	if deps.Sink == nil {
		deps.Sink = publisher.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = helpers.NewLogger("", logger.ForJob("worker"))
	}
	return &Worker{
		deps:  deps,
		opts:  opts,
		now:   time.Now,
		sleep: helpers.Sleep,
	}
}

// RunScrape scrapes every configured shop, diffs against the previous run and
// feeds new listings into tracking. A shop that cannot be fetched is abandoned
// for this run only.
func (w *Worker) RunScrape(ctx context.Context, trigger string) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	log := logger.ForJob(KindScrape).WithFields(logger.Fields{"run_id": sum.RunID, "trigger": trigger})

	release, err := w.acquire(ctx)
	if err != nil {
		return sum, err
	}
	defer release()

	run := publisher.RunInfo{RunID: sum.RunID, Kind: KindScrape, Trigger: trigger, At: w.now()}
	w.deliver(KindScrape, w.deps.Sink.RunStarted(ctx, run))
	defer func() {
		w.deliver(KindScrape, w.deps.Sink.RunFinished(context.WithoutCancel(ctx), run, stats(sum)))
	}()
	defer func() {
		if err := w.deps.Fetcher.Close(); err != nil {
			w.deps.Logger.LogError("browser", err)
		}
	}()

	urls, err := w.deps.Shops.Load(ctx)
	if err != nil {
		w.deps.Logger.LogError("shops", err)
		return sum, err
	}
	sum.ShopsTotal = len(urls)
	log.Info().Int("shops", len(urls)).Msg("Scrape run started")

	byShop := make(map[string][]catalog.Listing)
	for i, url := range urls {
		if i > 0 {
			if w.stopRequested(ctx) {
				sum.Stopped = true
				break
			}
			w.touch()
			if err := w.sleep(ctx, w.opts.ShopDelay); err != nil {
				sum.Stopped = true
				break
			}
		}

		shop := catalog.ShopName(url)
		listings, err := w.scrapeShop(ctx, url)
		if err != nil {
			sum.ShopsFailed++
			w.deps.Logger.LogError("fetch:"+shop, err)
			continue
		}
		sum.ShopsSucceeded++
		sum.ProductsFound += len(listings)
		if len(listings) == 0 {
			// an empty grid would turn every listing into "new" on the next run
			log.Warn().Str("shop", shop).Msg("No listings found, shop left out of the snapshot")
			continue
		}
		byShop[shop] = append(byShop[shop], listings...)
		log.Info().Str("shop", shop).Int("listings", len(listings)).Msgf("Shop %d/%d done", i+1, len(urls))
	}

	if sum.Stopped {
		log.Warn().Int("done", sum.ShopsSucceeded+sum.ShopsFailed).Msg("Run stopped by operator, nothing persisted")
		return sum, nil
	}
	if len(byShop) == 0 {
		log.Warn().Msg("No shop produced listings, snapshot skipped")
		return sum, nil
	}

	delta, err := w.persist(ctx, sum.RunID, byShop)
	if err != nil {
		w.deps.Logger.LogError("snapshot", err)
		return sum, err
	}
	sum.NewListings = len(delta)

	fresh := newListings(byShop, delta)
	w.deliver(KindScrape, w.deps.Sink.NewListings(ctx, run, fresh))
	w.export(func() (int, error) { return w.deps.Exporter.ExportListings(ctx, fresh, run.At) })

	if ingest, err := w.deps.Tracker.Ingest(ctx, delta); err != nil {
		// metrics are retried on the next analytics run
		w.deps.Logger.LogError("tracker", err)
	} else {
		sum.Tracked = ingest.Stored
	}

	w.classify(ctx, run, &sum.Top, &sum.Archived)

	log.Info().
		Int("succeeded", sum.ShopsSucceeded).
		Int("failed", sum.ShopsFailed).
		Int("products", sum.ProductsFound).
		Int("new", sum.NewListings).
		Int("top", sum.Top).
		Int("archived", sum.Archived).
		Msg("Scrape run finished")
	return sum, nil
}

// RunAnalytics takes a fresh reading of every tracked listing and classifies the matured ones
func (w *Worker) RunAnalytics(ctx context.Context, trigger string) (AnalyticsSummary, error) {
	sum := AnalyticsSummary{RunID: uuid.NewString()}
	log := logger.ForJob(KindAnalytics).WithFields(logger.Fields{"run_id": sum.RunID, "trigger": trigger})

	release, err := w.acquire(ctx)
	if err != nil {
		return sum, err
	}
	defer release()

	run := publisher.RunInfo{RunID: sum.RunID, Kind: KindAnalytics, Trigger: trigger, At: w.now()}
	w.deliver(KindAnalytics, w.deps.Sink.RunStarted(ctx, run))
	defer func() {
		w.deliver(KindAnalytics, w.deps.Sink.RunFinished(context.WithoutCancel(ctx), run, publisher.RunStats{
			Top:      sum.Top,
			Archived: sum.Archived,
		}))
	}()

	res, err := w.deps.Tracker.Refresh(ctx)
	if err != nil {
		w.deps.Logger.LogError("tracker", err)
	} else {
		sum.Tracked, sum.Stored, sum.Compacted, sum.Missing = res.Requested-res.Skipped, res.Stored, res.Compacted, res.Missing
	}

	w.classify(ctx, run, &sum.Top, &sum.Archived)

	changes, err := w.deps.Tracker.Report(ctx)
	if err != nil {
		w.deps.Logger.LogError("tracker", err)
		return sum, err
	}
	sum.Changes = changes

	log.Info().
		Int("tracked", sum.Tracked).
		Int("stored", sum.Stored).
		Int("changed", len(changes)).
		Int("top", sum.Top).
		Int("archived", sum.Archived).
		Msg("Analytics run finished")
	return sum, nil
}

func (w *Worker) acquire(ctx context.Context) (func(), error) {
	ok, err := w.deps.Lock.TryAcquire(ctx)
	if err != nil {
		w.deps.Logger.LogError("lock", err)
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}

	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go w.heartbeat(hbCtx, done)

	return func() {
		stop()
		<-done
		if err := w.deps.Lock.Release(); err != nil {
			w.deps.Logger.LogError("lock", err)
		}
	}, nil
}

// heartbeat refreshes the held lock until ctx is done
func (w *Worker) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.touch()
		}
	}
}

func (w *Worker) touch() {
	if err := w.deps.Lock.Heartbeat(); err != nil {
		w.deps.Logger.LogError("lock", err)
	}
}

// stopRequested reports an operator force stop. The flag is only checked between shops.
func (w *Worker) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	state, err := w.deps.Lock.State()
	if err != nil {
		w.deps.Logger.LogError("lock", err)
		return false
	}
	return state == lock.StateStop
}

func (w *Worker) scrapeShop(ctx context.Context, url string) ([]catalog.Listing, error) {
	var all []catalog.Listing
	seen := make(map[string]bool)

	for page := 1; url != "" && page <= w.opts.MaxPages; page++ {
		res, err := w.deps.Fetcher.Fetch(ctx, url)
		if err != nil {
			if page > 1 {
				// keep what the earlier pages produced
				w.deps.Logger.LogError("fetch", err)
				break
			}
			return nil, err
		}

		listings, err := w.deps.Extractor.Extract(res.HTML, url)
		if err != nil {
			return nil, err
		}
		if len(listings) == 0 && !w.deps.Extractor.HasGrid(res.HTML) {
			logger.ForFetcher(catalog.ShopName(url)).Warn().Int("page", page).Msg("Listing grid missing from the page")
		}
		for _, l := range listings {
			if !seen[l.ID] {
				seen[l.ID] = true
				all = append(all, l)
			}
		}

		if page == w.opts.MaxPages {
			break
		}
		if url, err = w.deps.Extractor.NextPage(res.HTML); err != nil {
			return all, nil
		}
	}
	return all, nil
}

// persist writes the run snapshot, diffs it against the previous run and drops
// older snapshots. Without a previous snapshot nothing counts as new.
func (w *Worker) persist(ctx context.Context, runID string, byShop map[string][]catalog.Listing) (map[string]string, error) {
	log := logger.ForJob(KindScrape).WithField("run_id", runID)

	snap := snapshot.New(runID, w.now(), byShop)

	// the current run is not saved yet, so the newest folder is the previous run,
	// even when it carries the same name and is about to be replaced
	prev, err := w.deps.Snapshots.Previous("")
	if err != nil {
		return nil, err
	}
	delta := snapshot.Diff(snap, prev)
	if prev == nil {
		log.Info().Msg("No previous snapshot, this run is the baseline")
	} else if first := snapshot.FirstSeenShops(snap, prev); len(first) > 0 {
		log.Info().Strs("shops", first).Msg("First-seen shops are not diffed")
	}
	if len(delta) > 0 {
		log.Info().Strs("ids", snapshot.SortedIDs(delta)).Msg("New listings found")
	}

	snap.NewProducts = delta
	if err := w.deps.Snapshots.Save(ctx, snap); err != nil {
		return nil, err
	}
	if removed, err := w.deps.Snapshots.Cleanup(snap.Dir); err != nil {
		w.deps.Logger.LogError("snapshot", err)
	} else if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Old snapshots removed")
	}
	return delta, nil
}

func (w *Worker) classify(ctx context.Context, run publisher.RunInfo, top, archived *int) {
	results, err := w.deps.Tracker.Evaluate(ctx)
	if err != nil {
		// listings promoted before the failure are still reported
		w.deps.Logger.LogError("tracker", err)
	}
	for _, c := range results {
		switch c.Outcome {
		case perspective.OutcomeTop:
			*top++
		case perspective.OutcomeArchived:
			*archived++
		}
	}
	w.deliver(run.Kind, w.deps.Sink.Classified(ctx, run, results))
	w.export(func() (int, error) { return w.deps.Exporter.ExportClassified(ctx, results) })
}

// deliver logs sink failures; they never affect the run
func (w *Worker) deliver(kind string, res bridge.Result) {
	if !res.OK && res.Err != nil {
		w.deps.Logger.LogError("sink:"+kind, res.Err)
	}
}

// export is best effort
func (w *Worker) export(fn func() (int, error)) {
	if w.deps.Exporter == nil {
		return
	}
	if _, err := fn(); err != nil {
		w.deps.Logger.LogError("export", err)
	}
}

func newListings(byShop map[string][]catalog.Listing, delta map[string]string) []catalog.Listing {
	var out []catalog.Listing
	for _, listings := range byShop {
		for _, l := range listings {
			if _, ok := delta[l.ID]; ok {
				out = append(out, l)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func stats(s Summary) publisher.RunStats {
	return publisher.RunStats{
		ShopsTotal:     s.ShopsTotal,
		ShopsSucceeded: s.ShopsSucceeded,
		ShopsFailed:    s.ShopsFailed,
		ProductsFound:  s.ProductsFound,
		NewListings:    s.NewListings,
		Top:            s.Top,
		Archived:       s.Archived,
		Stopped:        s.Stopped,
	}
}
