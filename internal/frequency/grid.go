package frequency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"

	"github.com/bluele/gcache"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"transit-viewer/internal/transit"
)

// CountProperty is the per-feature trip count attribute of a frequency tile.
const CountProperty = "cnt"

// TileFetcher returns the raw vector tile for one frequency tile.
type TileFetcher interface {
	FrequencyTile(ctx context.Context, feed, date string, z, x, y uint32) ([]byte, error)
}

// CacheMetrics observes the tile cache. May be nil.
type CacheMetrics interface {
	TileCacheHit()
	TileCacheMiss()
}

// Segment is one classified feature of a frequency tile.
type Segment struct {
	Geometry orb.Geometry `json:"geometry"`
	Count    int          `json:"count"`
	Band     Band         `json:"band"`
}

// Grid is one frequency tile layer for a fixed (feed, date). It is never
// mutated to follow a selection change; the caller builds a new Grid and
// drops the old one together with its tile cache.
type Grid struct {
	feed       string
	date       string
	fetcher    TileFetcher
	classifier *Classifier
	cache      gcache.Cache
	metrics    CacheMetrics
	logger     *zap.Logger
}

func NewGrid(feed, date string, fetcher TileFetcher, classifier *Classifier, cacheSize int, m CacheMetrics, logger *zap.Logger) *Grid {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grid{
		feed:       feed,
		date:       date,
		fetcher:    fetcher,
		classifier: classifier,
		cache:      gcache.New(cacheSize).LRU().Build(),
		metrics:    m,
		logger:     logger,
	}
}

func (g *Grid) Feed() string { return g.feed }
func (g *Grid) Date() string { return g.date }

// URLTemplate is the tile URL template of this layer instance.
func (g *Grid) URLTemplate() string {
	return "/" + url.PathEscape(g.feed) + "/frequency/" + url.PathEscape(g.date) + "/{z}/{x}/{y}/tile.pbf"
}

// Tile returns the classified segments of tile z/x/y. Zero-count
// features are not returned.
func (g *Grid) Tile(ctx context.Context, z, x, y uint32) ([]Segment, error) {
	key := transit.TileKey{Feed: g.feed, Date: g.date, Z: z, X: x, Y: y}
	if v, err := g.cache.Get(key); err == nil {
		if g.metrics != nil {
			g.metrics.TileCacheHit()
		}
		return v.([]Segment), nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		return nil, fmt.Errorf("tile cache %s: %w", key, err)
	}
	if g.metrics != nil {
		g.metrics.TileCacheMiss()
	}

	data, err := g.fetcher.FrequencyTile(ctx, g.feed, g.date, z, x, y)
	if err != nil {
		return nil, err
	}
	segs, err := g.decode(key, data)
	if err != nil {
		return nil, err
	}
	if err := g.cache.Set(key, segs); err != nil {
		g.logger.Warn("tile cache set failed", zap.Stringer("tile", key), zap.Error(err))
	}
	return segs, nil
}

func (g *Grid) decode(key transit.TileKey, data []byte) ([]Segment, error) {
	if len(data) == 0 {
		return nil, nil
	}
	layers, err := mvt.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode tile %s: %w", key, err)
	}
	layers.ProjectToWGS84(maptile.New(key.X, key.Y, maptile.Zoom(key.Z)))

	var segs []Segment
	for _, l := range layers {
		for _, f := range l.Features {
			cnt, ok := countOf(f.Properties[CountProperty])
			if !ok {
				g.logger.Debug("feature without usable count", zap.Stringer("tile", key), zap.String("layer", l.Name))
				continue
			}
			if cnt < 1 {
				continue
			}
			band, err := g.classifier.Classify(cnt)
			if err != nil {
				return nil, err
			}
			segs = append(segs, Segment{Geometry: f.Geometry, Count: cnt, Band: band})
		}
	}
	return segs, nil
}

// countOf accepts any numeric property value holding a whole number
// that fits in an int.
func countOf(v interface{}) (int, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		if n > math.MaxInt || n < math.MinInt {
			return 0, false
		}
		return int(n), true
	case uint32:
		if uint64(n) > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
	// float64(math.MaxInt) rounds up to 2^63, which is already out of range
	if math.IsNaN(f) || f != math.Trunc(f) || f >= float64(math.MaxInt) || f < float64(math.MinInt) {
		return 0, false
	}
	return int(f), true
}
