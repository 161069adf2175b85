// Package api is the HTTP client of the transit backend: feed list,
// stops, stop and trip details, and frequency tiles.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"transit-viewer/internal/transit"
)

// ErrStatus is returned for any non-200 response.
var ErrStatus = errors.New("api: unexpected status")

// Endpoint names used for metrics labels.
const (
	EndpointFeeds     = "feeds"
	EndpointStops     = "stops"
	EndpointStop      = "stop"
	EndpointTrip      = "trip"
	EndpointFrequency = "frequency"
)

// FetchMetrics observes every request. May be nil.
type FetchMetrics interface {
	ObserveFetch(endpoint string, d time.Duration, err error)
}

type Client struct {
	base       *url.URL
	httpClient *http.Client
	timeout    time.Duration
	metrics    FetchMetrics
}

// NewClient creates a client for the backend rooted at baseURL. A nil
// httpClient uses http.DefaultClient; a zero timeout disables the
// per-request deadline.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration, m FetchMetrics) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse api base url %q", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("api base url %q must be absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return &Client{base: u, httpClient: httpClient, timeout: timeout, metrics: m}, nil
}

func path(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *Client) get(ctx context.Context, endpoint, p string) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveFetch(endpoint, time.Since(start), err)
		}
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	u := *c.base
	raw := c.base.EscapedPath() + p
	u.Path, _ = url.PathUnescape(raw)
	u.RawPath = raw

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request %s", p)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", p)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrStatus, "HTTP %d from %s", resp.StatusCode, p)
	}
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	return body, nil
}

// Feeds lists the feed catalog.
func (c *Client) Feeds(ctx context.Context) ([]transit.Feed, error) {
	body, err := c.get(ctx, EndpointFeeds, "/feeds")
	if err != nil {
		return nil, err
	}
	var feeds []transit.Feed
	if err := json.Unmarshal(body, &feeds); err != nil {
		return nil, errors.Wrap(err, "decode feeds")
	}
	return feeds, nil
}

// Stops returns all stops of feed. Features without a point geometry or
// a stop_id are skipped.
func (c *Client) Stops(ctx context.Context, feed string) ([]transit.Stop, error) {
	body, err := c.get(ctx, EndpointStops, path(feed, "stops"))
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode stops of %s", feed)
	}
	stops := make([]transit.Stop, 0, len(fc.Features))
	for _, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		id := propString(f.Properties, "stop_id")
		if id == "" {
			continue
		}
		stops = append(stops, transit.Stop{
			ID:       id,
			Name:     propString(f.Properties, "stop_name"),
			Position: transit.LatLngFromPoint(pt),
		})
	}
	return stops, nil
}

// StopInfo returns the HTML fragment describing departures at a stop.
func (c *Client) StopInfo(ctx context.Context, feed, date, stopID string) (string, error) {
	body, err := c.get(ctx, EndpointStop, path(feed, date, "stops", stopID))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Trip returns the trip shape, its sidebar fragment and the stops it
// serves. The first feature carries the shape and trip_info.
func (c *Client) Trip(ctx context.Context, feed, date, tripID string) (transit.Trip, error) {
	body, err := c.get(ctx, EndpointTrip, path(feed, date, "trips", tripID))
	if err != nil {
		return transit.Trip{}, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return transit.Trip{}, errors.Wrapf(err, "decode trip %s", tripID)
	}
	if len(fc.Features) == 0 {
		return transit.Trip{}, errors.Errorf("trip %s: empty feature collection", tripID)
	}
	first := fc.Features[0]
	trip := transit.Trip{
		ID:    tripID,
		Info:  propString(first.Properties, "trip_info"),
		Shape: first.Geometry,
	}
	for _, f := range fc.Features[1:] {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		name := propString(f.Properties, "stop_name")
		trip.Stops = append(trip.Stops, transit.StopView{
			ID:       propString(f.Properties, "stop_id"),
			Name:     name,
			Position: transit.LatLngFromPoint(pt),
			Tooltip:  name,
		})
	}
	return trip, nil
}

// FrequencyTile returns the raw vector tile of the frequency layer.
func (c *Client) FrequencyTile(ctx context.Context, feed, date string, z, x, y uint32) ([]byte, error) {
	return c.get(ctx, EndpointFrequency, path(feed, "frequency", date,
		strconv.FormatUint(uint64(z), 10),
		strconv.FormatUint(uint64(x), 10),
		strconv.FormatUint(uint64(y), 10),
		"tile.pbf"))
}

// propString reads a property as text. Ids are numbers in some feeds.
func propString(p geojson.Properties, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
