package layers

import (
	"time"

	"transit-viewer/internal/transit"
)

// Kind names one of the three map layers.
type Kind string

const (
	Stops     Kind = "stops"
	Shape     Kind = "shape"
	Frequency Kind = "frequency"
)

var kinds = []Kind{Stops, Shape, Frequency}

type EventType string

const (
	EventReload          EventType = "reload"
	EventLoaded          EventType = "loaded"
	EventFailed          EventType = "failed"
	EventCleared         EventType = "cleared"
	EventAttached        EventType = "attached"
	EventDetached        EventType = "detached"
	EventFitBounds       EventType = "fit_bounds"
	EventPanTo           EventType = "pan_to"
	EventPopupOpened     EventType = "popup_opened"
	EventPopupUpdated    EventType = "popup_updated"
	EventPopupClosed     EventType = "popup_closed"
	EventSidebarShown    EventType = "sidebar_shown"
	EventSidebarHidden   EventType = "sidebar_hidden"
	EventLegendAttached  EventType = "legend_attached"
	EventLegendDetached  EventType = "legend_detached"
	EventAttribution     EventType = "attribution"
	EventSpinner         EventType = "spinner"
	EventSelectionChange EventType = "selection"
)

// Event describes one change of the map surface.
type Event struct {
	Session    string               `json:"session"`
	Type       EventType            `json:"type"`
	Layer      Kind                 `json:"layer,omitempty"`
	Feed       string               `json:"feed,omitempty"`
	Date       string               `json:"date,omitempty"`
	Generation uint64               `json:"generation,omitempty"`
	StopID     string               `json:"stopId,omitempty"`
	TripID     string               `json:"tripId,omitempty"`
	Bounds     *transit.BoundingBox `json:"bounds,omitempty"`
	Position   *transit.LatLng      `json:"position,omitempty"`
	HTML       string               `json:"html,omitempty"`
	URL        string               `json:"url,omitempty"`
	On         bool                 `json:"on,omitempty"`
	Shape      *ShapeSnapshot       `json:"shape,omitempty"`
	At         time.Time            `json:"at"`
}

// Sink receives surface events. Publish is called with the controller
// lock held and must not call back into the controller.
type Sink interface {
	Publish(ev Event) error
}

// MultiSink fans out to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
