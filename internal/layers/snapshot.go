package layers

import (
	"github.com/paulmach/orb/geojson"

	"transit-viewer/internal/frequency"
	"transit-viewer/internal/transit"
)

type LayerSnapshot struct {
	Busy       bool   `json:"busy"`
	Visible    bool   `json:"visible"`
	Reloads    int    `json:"reloads"`
	Generation uint64 `json:"generation"`
}

type PopupSnapshot struct {
	StopID   string         `json:"stopId"`
	Position transit.LatLng `json:"position"`
	Content  string         `json:"content"`
	Loading  bool           `json:"loading"`
	Options  PopupOptions   `json:"options"`
}

// ShapeSnapshot is the open trip as drawn: its line, the line style and
// the stops it serves.
type ShapeSnapshot struct {
	TripID   string             `json:"tripId"`
	Geometry *geojson.Geometry  `json:"geometry,omitempty"`
	Style    frequency.Style    `json:"style"`
	Stops    []transit.StopView `json:"stops"`
}

func newShapeSnapshot(trip *transit.Trip) *ShapeSnapshot {
	s := &ShapeSnapshot{
		TripID: trip.ID,
		Style:  ShapeStyle,
		Stops:  append([]transit.StopView{}, trip.Stops...),
	}
	if trip.Shape != nil {
		s.Geometry = geojson.NewGeometry(trip.Shape)
	}
	return s
}

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	Session     string                 `json:"session"`
	Feed        string                 `json:"feed"`
	Date        string                 `json:"date"`
	URL         string                 `json:"url"`
	Layers      map[Kind]LayerSnapshot `json:"layers"`
	Stops       int                    `json:"stops"`
	Viewport    *transit.BoundingBox   `json:"viewport,omitempty"`
	Center      *transit.LatLng        `json:"center,omitempty"`
	Frequency   string                 `json:"frequencyTiles,omitempty"`
	ShapeTrip   string                 `json:"shapeTrip,omitempty"`
	Shape       *ShapeSnapshot         `json:"shape,omitempty"`
	Sidebar     Sidebar                `json:"sidebar"`
	Popup       *PopupSnapshot         `json:"popup,omitempty"`
	Legend      string                 `json:"legend,omitempty"`
	Attribution string                 `json:"attribution,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	feed, date := c.view.Selection()
	s := Snapshot{
		Session: c.session,
		Feed:    feed,
		Date:    date.String(),
		URL:     c.view.URL(),
		Layers:  make(map[Kind]LayerSnapshot, len(kinds)),
		Stops:   c.index.Len(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, st := range c.layers {
		s.Layers[k] = LayerSnapshot{Busy: st.busy, Visible: st.visible, Reloads: st.reloads, Generation: st.gen}
	}
	if c.viewport != nil {
		bb := *c.viewport
		s.Viewport = &bb
	}
	if c.center != nil {
		ll := *c.center
		s.Center = &ll
	}
	if c.grid != nil {
		s.Frequency = c.grid.URLTemplate()
	}
	if c.trip != nil {
		s.ShapeTrip = c.trip.ID
		s.Shape = newShapeSnapshot(c.trip)
	}
	s.Sidebar = c.sidebar
	if c.popup != nil {
		content, loading := c.popup.Content()
		s.Popup = &PopupSnapshot{
			StopID:   c.popup.StopID,
			Position: c.popup.Position,
			Content:  content,
			Loading:  loading,
			Options:  c.popup.Options,
		}
	}
	s.Legend = string(c.legend)
	s.Attribution = c.attribution
	return s
}
