package cmd

import (
	"context"
	"path/filepath"
	"time"

	"sjsage522/shopwatch/config"
	"sjsage522/shopwatch/helpers"
	"sjsage522/shopwatch/internal/analytics"
	"sjsage522/shopwatch/internal/bridge"
	"sjsage522/shopwatch/internal/browser"
	"sjsage522/shopwatch/internal/catalog"
	"sjsage522/shopwatch/internal/fetch"
	"sjsage522/shopwatch/internal/lock"
	"sjsage522/shopwatch/internal/perspective"
	"sjsage522/shopwatch/internal/snapshot"
	"sjsage522/shopwatch/logger"
	"sjsage522/shopwatch/services/cache"
	"sjsage522/shopwatch/services/export"
	"sjsage522/shopwatch/services/proxy"
	"sjsage522/shopwatch/services/publisher"
	"sjsage522/shopwatch/services/shops"
	"sjsage522/shopwatch/services/worker"
)

// exportCacheTTL bounds how long an exported URL is remembered
const exportCacheTTL = 90 * 24 * time.Hour

// app holds the wired services of one process
type app struct {
	lock      *lock.FileLock
	store     *perspective.SQLiteStore
	tracker   *perspective.Tracker
	publisher *publisher.RedisPublisher
	loop      *bridge.Loop
	worker    *worker.Worker
	stopLoop  context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.Default
	a := &app{lock: lock.NewFileLock(cfg.LockFile, cfg.LockStaleAfter)}

	pool, err := proxy.NewFilePool(cfg.ProxiesFile)
	if err != nil {
		return nil, err
	}
	log.Info().Int("proxies", pool.Len()).Msg("Proxy pool loaded")

	bopts := browser.DefaultOptions()
	bopts.ExecPath = cfg.ChromePath
	bopts.Headless = cfg.Headless
	bopts.Humanize = cfg.Humanize
	bopts.ResponseTimeout = cfg.ResponseTimeout
	bopts.InactivityTimeout = cfg.InactivityTimeout
	bopts.CaptchaTimeout = cfg.CaptchaTimeout

	fopts := fetch.DefaultOptions()
	fopts.MaxAttempts = cfg.MaxAttempts
	fopts.MaxSessionReplacements = cfg.MaxSessionReplacements
	fopts.ChallengeDelay = cfg.ChallengeDelay
	orchestrator := fetch.NewOrchestrator(fopts, fetch.BrowserFactory(bopts), pool)

	a.store, err = perspective.NewSQLite(ctx, cfg.PerspectiveDB)
	if err != nil {
		return nil, err
	}

	tokens := analytics.NewStaticTokenProvider(cfg.AnalyticsURL, cfg.AnalyticsToken)
	client := analytics.NewClient(analytics.Options{
		BaseURL:     cfg.AnalyticsURL,
		BatchSize:   cfg.AnalyticsBatchSize,
		Concurrency: cfg.AnalyticsConcurrency,
		RPS:         cfg.AnalyticsRPS,
	}, tokens)
	a.tracker = perspective.NewTracker(a.store, client, perspective.Thresholds{
		MaturityDays:   cfg.MaturityDays,
		MinViewsPerDay: cfg.MinViewsPerDay,
		MinLikesPerDay: cfg.MinLikesPerDay,
		Tolerance:      cfg.ThresholdTolerance,
	})

	a.publisher = publisher.NewRedisPublisher(publisher.RedisOptions{
		Addr:            cfg.RedisAddr,
		DB:              cfg.RedisDB,
		StreamPrefix:    cfg.RedisStream,
		StreamCount:     cfg.RedisStreamCount,
		StreamMaxLength: cfg.RedisStreamMaxLength,
	})
	if err := a.publisher.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, events will be dropped until it returns")
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.loop = bridge.NewLoop(64)
	a.stopLoop = stop
	go a.loop.Run(loopCtx)

	var c cache.CacheService = cache.NewMemoryCache()
	if cfg.MemcacheAddr != "" {
		mc := cache.NewMemcacheService(cfg.MemcacheAddr, "shopwatch:")
		if err := mc.Ping(); err != nil {
			log.Warn().Err(err).Msg("Memcache unavailable, using process cache")
		} else {
			c = mc
		}
	}

	a.worker = worker.NewWorker(worker.Deps{
		Lock:      a.lock,
		Shops:     shops.NewSource(cfg.ShopsSource),
		Fetcher:   orchestrator,
		Extractor: catalog.NewExtractor(cfg.SiteBaseURL),
		Snapshots: snapshot.NewStore(snapshotRoot(cfg), cfg.Location()),
		Tracker:   a.tracker,
		Sink:      publisher.NewStreamSink(a.loop, a.publisher),
		Exporter:  export.NewWorkbookExporter(cfg.ExportFile, c, exportCacheTTL, cfg.Location()),
		Logger:    helpers.NewLogger(cfg.ErrorLogFile, logger.ForJob("worker")),
	}, worker.Options{
		ShopDelay: cfg.ShopDelay,
		MaxPages:  cfg.MaxPages,
		Heartbeat: cfg.LockStaleAfter / 3,
	})
	return a, nil
}

func (a *app) Close() {
	if a.stopLoop != nil {
		a.stopLoop()
		<-a.loop.Done()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func snapshotRoot(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "snapshots")
}
