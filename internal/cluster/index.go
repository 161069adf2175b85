// Package cluster holds the stop markers of the active feed and groups
// them into on-map clusters for a viewport and zoom level.
package cluster

import (
	"errors"
	"sort"
	"sync"

	"transit-viewer/internal/transit"
)

var (
	ErrEmpty       = errors.New("cluster: no stops registered")
	ErrUnknownStop = errors.New("cluster: unknown stop")
)

// Options are the clustering constants. GridSize and Margin are in
// screen pixels.
type Options struct {
	GridSize       float64
	Margin         float64
	MinClusterSize int
	MaxZoom        int
}

func DefaultOptions() Options {
	return Options{GridSize: 120, Margin: 20, MinClusterSize: 2, MaxZoom: 17}
}

// PopupTarget receives the detail content of a stop.
type PopupTarget interface {
	SetContent(html string)
}

// DetailLoader fills target with the details of stop. It is attached to a
// marker when the marker is first shown on its own and runs once per
// popup open.
type DetailLoader func(stop transit.StopView, target PopupTarget)

type marker struct {
	stop   transit.Stop
	loader DetailLoader
}

// Index owns all stop markers of one feed.
type Index struct {
	opts Options

	mu      sync.RWMutex
	markers map[string]*marker
	ids     []string // sorted
	loader  DetailLoader
}

func NewIndex(opts Options) *Index {
	def := DefaultOptions()
	if opts.GridSize <= 0 {
		opts.GridSize = def.GridSize
	}
	if opts.Margin < 0 {
		opts.Margin = 0
	}
	if opts.MinClusterSize < 2 {
		opts.MinClusterSize = def.MinClusterSize
	}
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = def.MaxZoom
	}
	return &Index{opts: opts, markers: map[string]*marker{}}
}

func (ix *Index) Options() Options { return ix.opts }

// SetDetailLoader sets the loader attached to markers materialised from
// now on.
func (ix *Index) SetDetailLoader(fn DetailLoader) {
	ix.mu.Lock()
	ix.loader = fn
	ix.mu.Unlock()
}

// RegisterAll replaces the whole index with stops. A later entry with
// the same id replaces an earlier one.
func (ix *Index) RegisterAll(stops []transit.Stop) {
	markers := make(map[string]*marker, len(stops))
	for _, s := range stops {
		markers[s.ID] = &marker{stop: s}
	}
	ids := make([]string, 0, len(markers))
	for id := range markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ix.mu.Lock()
	ix.markers = markers
	ix.ids = ids
	ix.mu.Unlock()
}

// Clear drops every marker.
func (ix *Index) Clear() { ix.RegisterAll(nil) }

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.markers)
}

// Lookup returns a copy of the stop registered under id.
func (ix *Index) Lookup(id string) (transit.StopView, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.markers[id]
	if !ok {
		return transit.StopView{}, false
	}
	return view(m.stop), true
}

// Attached reports how many markers carry a detail loader.
func (ix *Index) Attached() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, m := range ix.markers {
		if m.loader != nil {
			n++
		}
	}
	return n
}

// ComputeViewBounds returns the box spanning the 25th to 75th percentile
// of latitudes and longitudes, each axis taken on its own. Outliers such
// as depots at 0,0 do not stretch it.
func (ix *Index) ComputeViewBounds() (transit.BoundingBox, error) {
	ix.mu.RLock()
	n := len(ix.markers)
	lats := make([]float64, 0, n)
	lngs := make([]float64, 0, n)
	for _, m := range ix.markers {
		lats = append(lats, m.stop.Position.Lat)
		lngs = append(lngs, m.stop.Position.Lng)
	}
	ix.mu.RUnlock()

	if n == 0 {
		return transit.BoundingBox{}, ErrEmpty
	}
	sort.Float64s(lats)
	sort.Float64s(lngs)
	a := n / 4
	b := 3 * n / 4
	return transit.BoundingBox{
		SouthWest: transit.LatLng{Lat: lats[a], Lng: lngs[a]},
		NorthEast: transit.LatLng{Lat: lats[b], Lng: lngs[b]},
	}, nil
}

// OpenPopup runs the detail loader of stop id against target. A marker
// that was never shown on its own gets the loader attached now.
func (ix *Index) OpenPopup(id string, target PopupTarget) error {
	ix.mu.Lock()
	m, ok := ix.markers[id]
	if !ok {
		ix.mu.Unlock()
		return ErrUnknownStop
	}
	if m.loader == nil {
		m.loader = ix.loader
	}
	fn, sv := m.loader, view(m.stop)
	ix.mu.Unlock()

	if fn != nil {
		fn(sv, target)
	}
	return nil
}

func view(s transit.Stop) transit.StopView {
	return transit.StopView{ID: s.ID, Name: s.Name, Position: s.Position, Tooltip: s.Name}
}
