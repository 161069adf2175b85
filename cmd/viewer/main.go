package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"transit-viewer/internal/api"
	"transit-viewer/internal/cluster"
	"transit-viewer/internal/config"
	"transit-viewer/internal/db"
	"transit-viewer/internal/frequency"
	"transit-viewer/internal/httpapi"
	"transit-viewer/internal/layers"
	"transit-viewer/internal/metrics"
	"transit-viewer/internal/publisher"
	"transit-viewer/internal/transit"
	"transit-viewer/internal/viewstate"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer logger.Sync()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	table, err := frequency.LoadTable(cfg.FrequencyBandsFile)
	if err != nil {
		logger.Fatal("frequency band table", zap.String("file", cfg.FrequencyBandsFile), zap.Error(err))
	}
	classifier, err := frequency.NewClassifier(table)
	if err != nil {
		logger.Fatal("frequency band table", zap.Error(err))
	}

	// Metrics setup
	var mcol *metrics.Collector
	var fetchMetrics api.FetchMetrics
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.ClusterGridSize)
		fetchMetrics = mcol
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer shutdown(srv, logger)
	}

	client, err := api.NewClient(cfg.APIBaseURL, &http.Client{}, cfg.FetchTimeout, fetchMetrics)
	if err != nil {
		logger.Fatal("api client", zap.Error(err))
	}

	feeds, err := loadFeeds(ctx, cfg, client, logger)
	if err != nil {
		logger.Error("feed catalog unavailable", zap.Error(err))
	}

	today := viewstate.Today(time.Now(), cfg.Location)
	view, err := viewstate.Parse(cfg.InitialURL(), today)
	if err != nil && !errors.Is(err, viewstate.ErrMissingFeed) {
		logger.Fatal("initial view", zap.String("url", cfg.InitialURL()), zap.Error(err))
	}

	// Initialize NATS publisher
	var sink layers.MultiSink
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol), logger)
		if err != nil {
			logger.Fatal("nats error", zap.Error(err))
		}
		defer pub.Close()
		sink = append(sink, pub)
	}

	index := cluster.NewIndex(cluster.Options{
		GridSize:       cfg.ClusterGridSize,
		Margin:         cfg.ClusterMargin,
		MinClusterSize: cfg.ClusterMinSize,
		MaxZoom:        cfg.ClusterMaxZoom,
	})

	ctrl, err := layers.NewController(layers.Deps{
		View:          view,
		Backend:       client,
		Index:         index,
		Classifier:    classifier,
		Sink:          sink,
		Metrics:       mcol,
		Logger:        logger,
		TileCacheSize: cfg.TileCacheSize,
	})
	if err != nil {
		logger.Fatal("layer controller", zap.Error(err))
	}
	ctrl.SetFeeds(feeds)
	logger.Info("session started", zap.String("session", ctrl.Session()), zap.String("url", view.URL()))

	if err := ctrl.Start(ctx); err != nil {
		if !errors.Is(err, viewstate.ErrMissingFeed) {
			logger.Fatal("start session", zap.Error(err))
		}
		logger.Info("no feed selected; waiting for a selection")
	}

	srv := httpapi.New(ctrl, logger).Serve(cfg.ListenAddr)

	// Block until context cancelled
	<-ctx.Done()
	shutdown(srv, logger)
	ctrl.Stop()
	logger.Info("shutdown complete")
}

// loadFeeds reads the feed catalog from Postgres when a DSN is configured,
// otherwise from the API.
func loadFeeds(ctx context.Context, cfg *config.Config, client *api.Client, logger *zap.Logger) ([]transit.Feed, error) {
	if cfg.DatabaseURL == "" {
		return client.Feeds(ctx)
	}
	dsn := cfg.DatabaseURL
	if cfg.CatalogDB != "" {
		var err error
		if dsn, err = db.WithDBName(dsn, cfg.CatalogDB); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return nil, err
	}
	feeds, err := db.FetchFeeds(ctx, sqlDB)
	if err != nil {
		return nil, err
	}
	logger.Info("feed catalog loaded", zap.String("source", "postgres"), zap.Int("feeds", len(feeds)))
	return feeds, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func shutdown(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) EventPublishedInc()             { p.c.EventsPublished.Inc() }
func (p *pubMetrics) EventPublishErrInc()            { p.c.EventPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
