package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	reg *prometheus.Registry

	LayerReloads   *prometheus.CounterVec // layer label: stops|shape|frequency
	LayerBusy      *prometheus.GaugeVec
	StaleResponses *prometheus.CounterVec

	FetchDuration *prometheus.HistogramVec // endpoint label
	FetchErrors   *prometheus.CounterVec

	StopsLoaded     prometheus.Gauge
	TileCacheHits   prometheus.Counter
	TileCacheMisses prometheus.Counter

	EventsPublished   prometheus.Counter
	EventPublishErrs  prometheus.Counter
	PublishDuration   prometheus.Histogram
	NATSConnected     prometheus.Gauge
	ClusterGridPixels prometheus.Gauge
}

func NewCollector(clusterGridSize float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		LayerReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_layer_reloads_total",
			Help: "Layer reloads started.",
		}, []string{"layer"}),
		LayerBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "viewer_layer_busy",
			Help: "1 while a layer is loading, 0 otherwise.",
		}, []string{"layer"}),
		StaleResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_stale_responses_total",
			Help: "Responses dropped because a newer load of the same layer was started.",
		}, []string{"layer"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "viewer_fetch_duration_seconds",
			Help:    "Duration of backend requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"endpoint"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewer_fetch_errors_total",
			Help: "Failed backend requests.",
		}, []string{"endpoint"}),
		StopsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewer_stops_loaded",
			Help: "Stop markers registered for the active feed.",
		}),
		TileCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewer_tile_cache_hits_total",
			Help: "Frequency tiles served from the tile cache.",
		}),
		TileCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewer_tile_cache_misses_total",
			Help: "Frequency tiles fetched from the backend.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewer_events_published_total",
			Help: "Layer events published to NATS.",
		}),
		EventPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewer_event_publish_errors_total",
			Help: "Layer event publish errors.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewer_event_publish_duration_seconds",
			Help:    "Duration of NATS publish calls.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewer_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ClusterGridPixels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewer_cluster_grid_pixels",
			Help: "Configured stop cluster grid size in pixels.",
		}),
	}

	reg.MustRegister(
		c.LayerReloads, c.LayerBusy, c.StaleResponses,
		c.FetchDuration, c.FetchErrors,
		c.StopsLoaded, c.TileCacheHits, c.TileCacheMisses,
		c.EventsPublished, c.EventPublishErrs, c.PublishDuration, c.NATSConnected,
		c.ClusterGridPixels,
	)

	c.ClusterGridPixels.Set(clusterGridSize)

	return c
}

// ObserveFetch records one backend request.
func (c *Collector) ObserveFetch(endpoint string, d time.Duration, err error) {
	c.FetchDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	if err != nil {
		c.FetchErrors.WithLabelValues(endpoint).Inc()
	}
}

func (c *Collector) TileCacheHit()  { c.TileCacheHits.Inc() }
func (c *Collector) TileCacheMiss() { c.TileCacheMisses.Inc() }

func (c *Collector) SetBusy(layer string, busy bool) {
	v := 0.0
	if busy {
		v = 1
	}
	c.LayerBusy.WithLabelValues(layer).Set(v)
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}
