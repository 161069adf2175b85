package transit

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Feed is one entry of the feed catalog.
type Feed struct {
	UID           string `json:"feed_uid"`
	Title         string `json:"feed_title"`
	PublisherName string `json:"feed_publisher_name"`
	PublisherURL  string `json:"feed_publisher_url"`
}

// FirstByTitle returns the feed that sorts first by title.
func FirstByTitle(feeds []Feed) (Feed, bool) {
	if len(feeds) == 0 {
		return Feed{}, false
	}
	first := feeds[0]
	for _, f := range feeds[1:] {
		if f.Title < first.Title {
			first = f
		}
	}
	return first, true
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Point converts to orb's lon/lat order.
func (ll LatLng) Point() orb.Point { return orb.Point{ll.Lng, ll.Lat} }

func LatLngFromPoint(p orb.Point) LatLng { return LatLng{Lat: p.Lat(), Lng: p.Lon()} }

type BoundingBox struct {
	SouthWest LatLng `json:"southWest"`
	NorthEast LatLng `json:"northEast"`
}

func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: b.SouthWest.Point(), Max: b.NorthEast.Point()}
}

// Stop is a stop as delivered by the stops dataset of a feed.
type Stop struct {
	ID       string
	Name     string
	Position LatLng
}

// StopView is a read-only copy of a registered stop marker.
type StopView struct {
	ID       string `json:"stopId"`
	Name     string `json:"name"`
	Position LatLng `json:"position"`
	Tooltip  string `json:"tooltip"`
}

// Trip is a loaded trip: its shape and the sidebar fragment.
type Trip struct {
	ID    string
	Info  string
	Shape orb.Geometry
	Stops []StopView
}

// TileKey identifies one frequency tile. It is comparable and used
// directly as a map or cache key.
type TileKey struct {
	Feed string
	Date string
	Z    uint32
	X    uint32
	Y    uint32
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%d/%d", k.Feed, k.Date, k.Z, k.X, k.Y)
}
