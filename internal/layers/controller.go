// Package layers keeps the stop, trip shape and frequency layers of the
// map consistent with the (feed, date) selection.
//
// Each layer loads on its own. A reload of a layer cancels the load it
// replaces and carries a new generation number; a response that comes
// back for an older generation is dropped, so the last request wins.
// A failed load leaves the layer empty with its busy flag cleared.
package layers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"html/template"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"transit-viewer/internal/cluster"
	"transit-viewer/internal/frequency"
	mmetrics "transit-viewer/internal/metrics"
	"transit-viewer/internal/transit"
	"transit-viewer/internal/viewstate"
)

// ErrStale is returned for a frequency tile whose layer was rebuilt
// while the tile was loading.
var ErrStale = errors.New("layers: frequency layer was rebuilt")

// Backend is the subset of the transit API the layers load from.
type Backend interface {
	frequency.TileFetcher
	Stops(ctx context.Context, feed string) ([]transit.Stop, error)
	StopInfo(ctx context.Context, feed, date, stopID string) (string, error)
	Trip(ctx context.Context, feed, date, tripID string) (transit.Trip, error)
}

// ShapeStyle is the line style of an open trip.
var ShapeStyle = frequency.Style{Color: "#FF0000", Opacity: 0.7, Weight: 8}

type layerState struct {
	gen     uint64
	busy    bool
	pending int // frequency tiles in flight
	visible bool
	reloads int
	ctx     context.Context
	cancel  context.CancelFunc
}

// Sidebar is the trip detail panel.
type Sidebar struct {
	Visible bool   `json:"visible"`
	TripID  string `json:"tripId,omitempty"`
	Info    string `json:"info,omitempty"`
}

type Deps struct {
	View       *viewstate.ViewState
	Backend    Backend
	Index      *cluster.Index
	Classifier *frequency.Classifier
	Sink       Sink
	Metrics    *mmetrics.Collector
	Logger     *zap.Logger

	TileCacheSize int
}

// Controller owns the map layers, the open popup and the trip sidebar of
// one viewer session.
type Controller struct {
	session    string
	view       *viewstate.ViewState
	backend    Backend
	index      *cluster.Index
	classifier *frequency.Classifier
	sink       Sink
	metrics    *mmetrics.Collector
	logger     *zap.Logger
	cacheSize  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	layers      map[Kind]*layerState
	grid        *frequency.Grid
	trip        *transit.Trip
	sidebar     Sidebar
	popup       *Popup
	viewport    *transit.BoundingBox
	center      *transit.LatLng
	legend      template.HTML
	attribution string
	feeds       []transit.Feed
}

func NewController(d Deps) (*Controller, error) {
	if d.View == nil || d.Backend == nil || d.Index == nil || d.Classifier == nil {
		return nil, errors.New("layers: view, backend, index and classifier are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	session := uuid.NewString()
	c := &Controller{
		session:    session,
		view:       d.View,
		backend:    d.Backend,
		index:      d.Index,
		classifier: d.Classifier,
		sink:       d.Sink,
		metrics:    d.Metrics,
		logger:     logger.With(zap.String("session", session)),
		cacheSize:  d.TileCacheSize,
		layers:     map[Kind]*layerState{},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, k := range kinds {
		c.layers[k] = &layerState{visible: true}
	}
	c.index.SetDetailLoader(c.loadStopDetail)
	return c, nil
}

func (c *Controller) Session() string { return c.session }

// Start attaches the overlay layers and loads them for the current
// selection. Without a feed nothing is loaded and ErrMissingFeed is
// returned; a later ChangeFeed loads everything.
func (c *Controller) Start(parent context.Context) error {
	c.mu.Lock()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(parent)
	c.emitLocked(Event{Type: EventAttached, Layer: Stops})
	c.emitLocked(Event{Type: EventAttached, Layer: Frequency})
	c.attachLegendLocked()
	c.mu.Unlock()

	if c.view.Feed() == "" {
		return viewstate.ErrMissingFeed
	}
	c.updateAttribution()
	c.reloadAll()
	return nil
}

// Stop cancels every load and waits for in-flight work to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	for _, st := range c.layers {
		if st.cancel != nil {
			st.cancel()
		}
	}
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// Wait blocks until every load started so far has completed.
func (c *Controller) Wait() { c.wg.Wait() }

// SetFeeds stores the feed catalog used for attribution.
func (c *Controller) SetFeeds(feeds []transit.Feed) {
	c.mu.Lock()
	c.feeds = append([]transit.Feed(nil), feeds...)
	c.mu.Unlock()
	c.updateAttribution()
}

func (c *Controller) Feeds() []transit.Feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transit.Feed(nil), c.feeds...)
}

// ChangeFeed selects another feed. The stops and frequency layers are
// reloaded; an open trip and popup are discarded.
func (c *Controller) ChangeFeed(feed string) error {
	if err := c.view.SetFeed(feed); err != nil {
		return err
	}
	c.logger.Info("feed changed", zap.String("feed", feed), zap.String("url", c.view.URL()))
	c.emitSelection()
	c.updateAttribution()
	c.reloadAll()
	return nil
}

// ChangeDate selects another service date. Only the frequency layer is
// reloaded; stop locations do not depend on the date.
func (c *Controller) ChangeDate(date string) error {
	if err := c.view.SetDateString(date); err != nil {
		return err
	}
	c.logger.Info("date changed", zap.String("date", date), zap.String("url", c.view.URL()))
	c.emitSelection()
	c.reloadFrequency()
	return nil
}

func (c *Controller) emitSelection() {
	feed, date := c.view.Selection()
	c.mu.Lock()
	c.emitLocked(Event{Type: EventSelectionChange, Feed: feed, Date: date.String(), URL: c.view.URL()})
	c.mu.Unlock()
}

func (c *Controller) reloadAll() {
	c.mu.Lock()
	c.closeTripLocked()
	c.closePopupLocked()
	c.mu.Unlock()
	c.reloadStops()
	c.reloadFrequency()
}

// beginLoadLocked cancels the running load of k and starts a new
// generation.
func (c *Controller) beginLoadLocked(k Kind) (context.Context, uint64) {
	st := c.layers[k]
	if st.cancel != nil {
		st.cancel()
	}
	st.ctx, st.cancel = context.WithCancel(c.ctx)
	st.gen++
	st.reloads++
	c.setBusyLocked(k, true)
	if c.metrics != nil {
		c.metrics.LayerReloads.WithLabelValues(string(k)).Inc()
	}
	c.emitLocked(Event{Type: EventReload, Layer: k, Generation: st.gen})
	return st.ctx, st.gen
}

// endLoadLocked reports whether gen is still the current load of k and,
// if so, clears the busy flag.
func (c *Controller) endLoadLocked(k Kind, gen uint64) bool {
	st := c.layers[k]
	if st.gen != gen {
		if c.metrics != nil {
			c.metrics.StaleResponses.WithLabelValues(string(k)).Inc()
		}
		c.logger.Debug("dropping stale response", zap.String("layer", string(k)), zap.Uint64("generation", gen), zap.Uint64("current", st.gen))
		return false
	}
	c.setBusyLocked(k, false)
	return true
}

func (c *Controller) setBusyLocked(k Kind, busy bool) {
	st := c.layers[k]
	if k == Frequency {
		busy = busy || st.pending > 0
	}
	if st.busy == busy {
		return
	}
	st.busy = busy
	if c.metrics != nil {
		c.metrics.SetBusy(string(k), busy)
	}
	if k == Stops {
		c.emitLocked(Event{Type: EventSpinner, On: busy})
	}
}

func (c *Controller) failLocked(k Kind, gen uint64, err error) {
	c.logger.Warn("layer load failed", zap.String("layer", string(k)), zap.Uint64("generation", gen), zap.Error(err))
	c.emitLocked(Event{Type: EventFailed, Layer: k, Generation: gen})
}

func (c *Controller) reloadStops() {
	feed := c.view.Feed()

	c.mu.Lock()
	ctx, gen := c.beginLoadLocked(Stops)
	c.index.Clear()
	c.viewport = nil
	if c.metrics != nil {
		c.metrics.StopsLoaded.Set(0)
	}
	c.emitLocked(Event{Type: EventCleared, Layer: Stops, Feed: feed, Generation: gen})
	c.mu.Unlock()

	c.logger.Info("loading stops", zap.String("feed", feed), zap.Uint64("generation", gen))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		stops, err := c.backend.Stops(ctx, feed)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.endLoadLocked(Stops, gen) {
			return
		}
		if err != nil {
			c.failLocked(Stops, gen, err)
			return
		}
		c.index.RegisterAll(stops)
		if c.metrics != nil {
			c.metrics.StopsLoaded.Set(float64(len(stops)))
		}
		if bb, err := c.index.ComputeViewBounds(); err == nil {
			c.viewport = &bb
			c.emitLocked(Event{Type: EventFitBounds, Bounds: &bb})
		} else {
			c.logger.Warn("no stops to frame", zap.String("feed", feed), zap.Error(err))
		}
		c.emitLocked(Event{Type: EventLoaded, Layer: Stops, Feed: feed, Generation: gen})
		c.logger.Info("stops loaded", zap.String("feed", feed), zap.Int("stops", len(stops)), zap.Uint64("generation", gen))
	}()
}

// reloadFrequency replaces the frequency grid with a new instance for the
// current selection. Tiles of the old instance are never mixed in.
func (c *Controller) reloadFrequency() {
	feed, date := c.view.Selection()

	c.mu.Lock()
	defer c.mu.Unlock()
	_, gen := c.beginLoadLocked(Frequency)
	var cm frequency.CacheMetrics
	if c.metrics != nil {
		cm = c.metrics
	}
	c.grid = frequency.NewGrid(feed, date.String(), c.backend, c.classifier, c.cacheSize, cm, c.logger)
	c.endLoadLocked(Frequency, gen)
	c.emitLocked(Event{Type: EventLoaded, Layer: Frequency, Feed: feed, Date: date.String(), Generation: gen, URL: c.grid.URLTemplate()})
}

// FrequencyTile returns the classified segments of one tile of the
// current frequency layer. A hidden layer yields no segments.
func (c *Controller) FrequencyTile(ctx context.Context, z, x, y uint32) ([]frequency.Segment, error) {
	c.mu.Lock()
	st := c.layers[Frequency]
	if !st.visible || c.grid == nil {
		c.mu.Unlock()
		return nil, nil
	}
	grid, gen, layerCtx := c.grid, st.gen, st.ctx
	st.pending++
	c.setBusyLocked(Frequency, true)
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(layerCtx, cancel)
	defer stop()

	segs, err := grid.Tile(ctx, z, x, y)

	c.mu.Lock()
	st.pending--
	c.setBusyLocked(Frequency, false)
	stale := st.gen != gen
	c.mu.Unlock()

	if stale {
		if c.metrics != nil {
			c.metrics.StaleResponses.WithLabelValues(string(Frequency)).Inc()
		}
		return nil, ErrStale
	}
	if err != nil {
		c.logger.Warn("frequency tile failed", zap.Uint32("z", z), zap.Uint32("x", x), zap.Uint32("y", y), zap.Error(err))
		return nil, err
	}
	return segs, nil
}

// FrequencyURLTemplate is the tile URL template of the current grid.
func (c *Controller) FrequencyURLTemplate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grid == nil {
		return ""
	}
	return c.grid.URLTemplate()
}

// Clusters returns the stop markers and clusters visible in viewport.
func (c *Controller) Clusters(viewport transit.BoundingBox, zoom int) []cluster.Item {
	c.mu.Lock()
	visible := c.layers[Stops].visible
	c.mu.Unlock()
	if !visible {
		return nil
	}
	return c.index.Query(viewport.Bound(), zoom)
}

// OpenTrip shows trip tripID. Any open shape and popup are removed
// first, so at most one trip shape is ever on the map.
func (c *Controller) OpenTrip(tripID string) {
	feed, date := c.view.Selection()

	c.mu.Lock()
	c.removeShapeLocked()
	c.closePopupLocked()
	ctx, gen := c.beginLoadLocked(Shape)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		trip, err := c.backend.Trip(ctx, feed, date.String(), tripID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.endLoadLocked(Shape, gen) {
			return
		}
		if err != nil {
			c.failLocked(Shape, gen, err)
			// the sidebar must not describe a trip that is not drawn
			c.hideSidebarLocked()
			return
		}
		c.trip = &trip
		c.sidebar = Sidebar{Visible: true, TripID: trip.ID, Info: trip.Info}
		c.emitLocked(Event{Type: EventSidebarShown, TripID: trip.ID, HTML: trip.Info})
		c.emitLocked(Event{Type: EventLoaded, Layer: Shape, TripID: trip.ID, Generation: gen, Shape: newShapeSnapshot(&trip)})
	}()
}

// CloseTrip hides the sidebar and removes the trip shape. A trip still
// loading is cancelled and never shown.
func (c *Controller) CloseTrip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeTripLocked()
}

func (c *Controller) closeTripLocked() {
	st := c.layers[Shape]
	if st.busy {
		st.cancel()
		st.gen++
		c.setBusyLocked(Shape, false)
	}
	c.removeShapeLocked()
	c.hideSidebarLocked()
}

func (c *Controller) hideSidebarLocked() {
	if c.sidebar.Visible {
		c.sidebar = Sidebar{}
		c.emitLocked(Event{Type: EventSidebarHidden})
	}
}

func (c *Controller) removeShapeLocked() {
	if c.trip == nil {
		return
	}
	c.emitLocked(Event{Type: EventCleared, Layer: Shape, TripID: c.trip.ID})
	c.trip = nil
}

// OpenStop pans to a stop and opens its popup. The popup shows
// LoadingContent until the details arrive.
func (c *Controller) OpenStop(stopID string) error {
	sv, ok := c.index.Lookup(stopID)
	if !ok {
		return fmt.Errorf("open stop %q: %w", stopID, cluster.ErrUnknownStop)
	}

	c.mu.Lock()
	c.closePopupLocked()
	pos := sv.Position
	c.center = &pos
	c.emitLocked(Event{Type: EventPanTo, Position: &pos})
	p := newPopup(sv, c.popupUpdated)
	c.popup = p
	c.emitLocked(Event{Type: EventPopupOpened, StopID: stopID, Position: &pos, HTML: LoadingContent})
	c.mu.Unlock()

	return c.index.OpenPopup(stopID, p)
}

// ClosePopup closes the open stop popup, if any.
func (c *Controller) ClosePopup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closePopupLocked()
}

func (c *Controller) closePopupLocked() {
	if c.popup == nil {
		return
	}
	c.popup.close()
	c.emitLocked(Event{Type: EventPopupClosed, StopID: c.popup.StopID})
	c.popup = nil
}

func (c *Controller) popupUpdated(p *Popup, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.popup != p {
		return
	}
	c.emitLocked(Event{Type: EventPopupUpdated, StopID: p.StopID, HTML: content})
}

// loadStopDetail is the detail loader attached to stop markers. It
// returns at once; the popup is filled when the response arrives.
func (c *Controller) loadStopDetail(sv transit.StopView, target cluster.PopupTarget) {
	feed, date := c.view.Selection()
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		content, err := c.backend.StopInfo(ctx, feed, date.String(), sv.ID)
		if err != nil {
			c.logger.Warn("stop details failed", zap.String("stop", sv.ID), zap.Error(err))
			return
		}
		target.SetContent(content)
	}()
}

// SetLayerVisible attaches or detaches the stops or frequency overlay.
// Attaching the frequency layer rebuilds its legend.
func (c *Controller) SetLayerVisible(k Kind, visible bool) error {
	if k != Stops && k != Frequency {
		return fmt.Errorf("layer %q cannot be toggled", k)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.layers[k]
	if st.visible == visible {
		return nil
	}
	st.visible = visible
	if visible {
		c.emitLocked(Event{Type: EventAttached, Layer: k})
		if k == Frequency {
			c.attachLegendLocked()
		}
		return nil
	}
	c.emitLocked(Event{Type: EventDetached, Layer: k})
	if k == Frequency {
		c.legend = ""
		c.emitLocked(Event{Type: EventLegendDetached})
	}
	return nil
}

func (c *Controller) attachLegendLocked() {
	legend, err := frequency.RenderLegend(c.classifier.Table())
	if err != nil {
		c.logger.Error("legend render failed", zap.Error(err))
		return
	}
	c.legend = legend
	c.emitLocked(Event{Type: EventLegendAttached, HTML: string(legend)})
}

// Legend returns the frequency legend, empty while the layer is detached.
func (c *Controller) Legend() template.HTML {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.legend
}

// Busy reports whether layer k is loading.
func (c *Controller) Busy(k Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layers[k].busy
}

func (c *Controller) updateAttribution() {
	feed := c.view.Feed()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.feeds {
		if f.UID != feed {
			continue
		}
		attr := fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(f.PublisherURL), html.EscapeString(f.PublisherName))
		if attr != c.attribution {
			c.attribution = attr
			c.emitLocked(Event{Type: EventAttribution, Feed: feed, HTML: attr})
		}
		return
	}
}

func (c *Controller) emitLocked(ev Event) {
	if c.sink == nil {
		return
	}
	ev.Session = c.session
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := c.sink.Publish(ev); err != nil {
		c.logger.Warn("publish event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
