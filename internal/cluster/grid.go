package cluster

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"transit-viewer/internal/transit"
)

const tileSize = 256

// Item is either a single stop marker or a cluster of several stops.
type Item struct {
	Cluster  bool                 `json:"cluster"`
	Count    int                  `json:"count"`
	Position transit.LatLng       `json:"position"`
	Bounds   *transit.BoundingBox `json:"bounds,omitempty"`
	Stop     *transit.StopView    `json:"stop,omitempty"`
}

// cell is a grid cell in pixel space at one zoom level.
type cell struct {
	col, row int
}

type projected struct {
	m      *marker
	px, py float64
}

func pixel(p orb.Point, zoom int) (float64, float64) {
	f := maptile.Fraction(p, maptile.Zoom(zoom))
	return f[0] * tileSize, f[1] * tileSize
}

// Query returns the markers and clusters visible in viewport at zoom.
// The viewport is widened by the configured margin. Cells holding at
// least MinClusterSize markers become clusters below MaxZoom.
func (ix *Index) Query(viewport orb.Bound, zoom int) []Item {
	if zoom < 0 {
		zoom = 0
	}
	// pixel y grows southwards
	minX, minY := pixel(orb.Point{viewport.Min.Lon(), viewport.Max.Lat()}, zoom)
	maxX, maxY := pixel(orb.Point{viewport.Max.Lon(), viewport.Min.Lat()}, zoom)
	minX -= ix.opts.Margin
	minY -= ix.opts.Margin
	maxX += ix.opts.Margin
	maxY += ix.opts.Margin

	ix.mu.Lock()
	defer ix.mu.Unlock()

	cells := map[cell][]projected{}
	for _, id := range ix.ids {
		m := ix.markers[id]
		px, py := pixel(m.stop.Position.Point(), zoom)
		if px < minX || px > maxX || py < minY || py > maxY {
			continue
		}
		c := cell{col: int(math.Floor(px / ix.opts.GridSize)), row: int(math.Floor(py / ix.opts.GridSize))}
		cells[c] = append(cells[c], projected{m: m, px: px, py: py})
	}

	keys := make([]cell, 0, len(cells))
	for c := range cells {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].row != keys[j].row {
			return keys[i].row < keys[j].row
		}
		return keys[i].col < keys[j].col
	})

	var items []Item
	for _, c := range keys {
		members := cells[c]
		if zoom < ix.opts.MaxZoom && len(members) >= ix.opts.MinClusterSize {
			items = append(items, clusterOf(members))
			continue
		}
		for _, p := range members {
			if p.m.loader == nil {
				p.m.loader = ix.loader
			}
			sv := view(p.m.stop)
			items = append(items, Item{Count: 1, Position: sv.Position, Stop: &sv})
		}
	}
	return items
}

func clusterOf(members []projected) Item {
	var sumLat, sumLng float64
	first := members[0].m.stop.Position
	bb := transit.BoundingBox{SouthWest: first, NorthEast: first}
	for _, p := range members {
		pos := p.m.stop.Position
		sumLat += pos.Lat
		sumLng += pos.Lng
		bb.SouthWest.Lat = math.Min(bb.SouthWest.Lat, pos.Lat)
		bb.SouthWest.Lng = math.Min(bb.SouthWest.Lng, pos.Lng)
		bb.NorthEast.Lat = math.Max(bb.NorthEast.Lat, pos.Lat)
		bb.NorthEast.Lng = math.Max(bb.NorthEast.Lng, pos.Lng)
	}
	n := float64(len(members))
	return Item{
		Cluster:  true,
		Count:    len(members),
		Position: transit.LatLng{Lat: sumLat / n, Lng: sumLng / n},
		Bounds:   &bb,
	}
}
