package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-viewer/internal/cluster"
	"transit-viewer/internal/frequency"
	"transit-viewer/internal/layers"
	"transit-viewer/internal/transit"
	"transit-viewer/internal/viewstate"
)

type fakeBackend struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	tile  []byte
}

func (f *fakeBackend) block(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = map[string]chan struct{}{}
	}
	g := make(chan struct{})
	f.gates[key] = g
	return g
}

func (f *fakeBackend) wait(ctx context.Context, key string) error {
	f.mu.Lock()
	g := f.gates[key]
	f.mu.Unlock()
	if g == nil {
		return nil
	}
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) Stops(ctx context.Context, feed string) ([]transit.Stop, error) {
	if err := f.wait(ctx, "stops:"+feed); err != nil {
		return nil, err
	}
	return []transit.Stop{
		{ID: feed + "-1", Name: "Hauptbahnhof", Position: transit.LatLng{Lat: 52.525, Lng: 13.369}},
		{ID: feed + "-2", Name: "Alexanderplatz", Position: transit.LatLng{Lat: 52.521, Lng: 13.413}},
	}, nil
}

func (f *fakeBackend) StopInfo(ctx context.Context, _, _, stopID string) (string, error) {
	return "<p>" + stopID + "</p>", nil
}

func (f *fakeBackend) Trip(ctx context.Context, _, _, tripID string) (transit.Trip, error) {
	return transit.Trip{ID: tripID, Info: "<h1>" + tripID + "</h1>", Shape: orb.LineString{{13.369, 52.525}, {13.413, 52.521}}}, nil
}

func (f *fakeBackend) FrequencyTile(ctx context.Context, _, _ string, _, _, _ uint32) ([]byte, error) {
	return f.tile, nil
}

type harness struct {
	ctrl    *layers.Controller
	backend *fakeBackend
	srv     *httptest.Server
}

func newHarness(t *testing.T, rawURL string) *harness {
	t.Helper()
	view, err := viewstate.Parse(rawURL, civil.Date{Year: 2024, Month: time.January, Day: 1})
	if err != nil {
		require.ErrorIs(t, err, viewstate.ErrMissingFeed)
	}
	classifier, err := frequency.NewClassifier(frequency.DefaultTable())
	require.NoError(t, err)
	be := &fakeBackend{}
	ctrl, err := layers.NewController(layers.Deps{
		View:          view,
		Backend:       be,
		Index:         cluster.NewIndex(cluster.DefaultOptions()),
		Classifier:    classifier,
		TileCacheSize: 8,
	})
	require.NoError(t, err)
	ctrl.SetFeeds([]transit.Feed{
		{UID: "vbb", Title: "VBB", PublisherName: "VBB", PublisherURL: "https://vbb.de"},
		{UID: "avv", Title: "AVV", PublisherName: "AVV", PublisherURL: "https://avv.de"},
	})
	if view.Feed() != "" {
		require.NoError(t, ctrl.Start(context.Background()))
		ctrl.Wait()
	}
	srv := httptest.NewServer(New(ctrl, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctrl.Stop()
	})
	return &harness{ctrl: ctrl, backend: be, srv: srv}
}

func (h *harness) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, nil)
	require.NoError(t, err)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t, "/?feed=vbb")
	resp := h.do(t, "GET", "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))
}

func TestIndex_RedirectsToFirstFeed(t *testing.T) {
	h := newHarness(t, "/")
	resp := h.do(t, "GET", "/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/?feed=avv", resp.Header.Get("Location"))
}

func TestIndex_AppliesSelection(t *testing.T) {
	h := newHarness(t, "/")
	resp := h.do(t, "GET", "/?feed=avv&date=2024-03-04")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[layers.Snapshot](t, resp)
	assert.Equal(t, "avv", snap.Feed)
	assert.Equal(t, "2024-03-04", snap.Date)
	assert.Contains(t, snap.URL, "feed=avv&date=2024-03-04")

	h.ctrl.Wait()
	snap = decode[layers.Snapshot](t, h.do(t, "GET", "/state"))
	assert.Equal(t, 2, snap.Stops)
	assert.Equal(t, `<a href="https://avv.de">AVV</a>`, snap.Attribution)
}

func TestIndex_InvalidDateLeavesSelection(t *testing.T) {
	h := newHarness(t, "/?feed=vbb&date=2024-01-01")

	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/?feed=avv&date=2024-99-99").StatusCode)

	h.ctrl.Wait()
	snap := decode[layers.Snapshot](t, h.do(t, "GET", "/state"))
	assert.Equal(t, "vbb", snap.Feed)
	assert.Equal(t, "2024-01-01", snap.Date)
	assert.False(t, snap.Layers[layers.Stops].Busy)
}

func TestFeeds(t *testing.T) {
	h := newHarness(t, "/?feed=vbb")
	feeds := decode[[]transit.Feed](t, h.do(t, "GET", "/feeds"))
	assert.Len(t, feeds, 2)
}

func TestChangeFeed_ConflictWhileReloading(t *testing.T) {
	h := newHarness(t, "/?feed=vbb&date=2024-01-01")
	gate := h.backend.block("stops:avv")

	resp := h.do(t, "PUT", "/feed/avv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[layers.Snapshot](t, resp).Layers[layers.Stops].Busy)

	assert.Equal(t, http.StatusConflict, h.do(t, "PUT", "/feed/vbb").StatusCode)
	assert.Equal(t, http.StatusConflict, h.do(t, "PUT", "/date/2024-01-02").StatusCode)

	close(gate)
	h.ctrl.Wait()

	resp = h.do(t, "PUT", "/date/2024-01-02")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[layers.Snapshot](t, resp)
	assert.Equal(t, "avv", snap.Feed)
	assert.Contains(t, snap.URL, "feed=avv&date=2024-01-02")
}

func TestChangeDate_Invalid(t *testing.T) {
	h := newHarness(t, "/?feed=vbb")
	assert.Equal(t, http.StatusBadRequest, h.do(t, "PUT", "/date/2024-13-40").StatusCode)
}

func TestStopPopup(t *testing.T) {
	h := newHarness(t, "/?feed=vbb")

	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/stops/nope").StatusCode)

	resp := h.do(t, "POST", "/stops/vbb-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.ctrl.Wait()

	snap := decode[layers.Snapshot](t, h.do(t, "GET", "/state"))
	require.NotNil(t, snap.Popup)
	assert.Equal(t, "<p>vbb-1</p>", snap.Popup.Content)

	snap = decode[layers.Snapshot](t, h.do(t, "DELETE", "/popup"))
	assert.Nil(t, snap.Popup)
}

func TestTrip(t *testing.T) {
	h := newHarness(t, "/?feed=vbb")

	require.Equal(t, http.StatusAccepted, h.do(t, "POST", "/trips/t%2F1").StatusCode)
	h.ctrl.Wait()
	snap := decode[layers.Snapshot](t, h.do(t, "GET", "/state"))
	assert.Equal(t, "t/1", snap.ShapeTrip)
	assert.True(t, snap.Sidebar.Visible)

	snap = decode[layers.Snapshot](t, h.do(t, "DELETE", "/trip"))
	assert.Empty(t, snap.ShapeTrip)
	assert.False(t, snap.Sidebar.Visible)
}

func TestLayersAndLegend(t *testing.T) {
	h := newHarness(t, "/?feed=vbb")

	resp := h.do(t, "GET", "/legend")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))

	assert.Equal(t, http.StatusOK, h.do(t, "PUT", "/layers/frequency?visible=false").StatusCode)
	assert.Equal(t, http.StatusNoContent, h.do(t, "GET", "/legend").StatusCode)

	assert.Equal(t, http.StatusBadRequest, h.do(t, "PUT", "/layers/frequency?visible=maybe").StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "PUT", "/layers/shape?visible=false").StatusCode)
}

func TestClusters(t *testing.T) {
	h := newHarness(t, "/?feed=vbb")

	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/clusters?bbox=1,2,3&zoom=10").StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/clusters?bbox=14,53,13,52&zoom=10").StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, "GET", "/clusters?bbox=13,52,14,53&zoom=x").StatusCode)

	items := decode[[]cluster.Item](t, h.do(t, "GET", "/clusters?bbox=13,52,14,53&zoom=17"))
	assert.Len(t, items, 2)
	for _, it := range items {
		assert.False(t, it.Cluster)
		require.NotNil(t, it.Stop)
	}
}

func TestFrequency(t *testing.T) {
	h := newHarness(t, "/?feed=vbb")

	tile := maptile.New(550, 335, 10)
	b := tile.Bound()
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.LineString{b.Min, b.Center()})
	f.Properties[frequency.CountProperty] = 300
	fc.Append(f)
	mlayers := mvt.NewLayers(map[string]*geojson.FeatureCollection{"default": fc})
	mlayers.ProjectToTile(tile)
	data, err := mvt.Marshal(mlayers)
	require.NoError(t, err)
	h.backend.tile = data

	resp := h.do(t, "GET", "/frequency/10/550/335")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := geojson.UnmarshalFeatureCollection(mustRead(t, resp))
	require.NoError(t, err)
	require.Len(t, got.Features, 1)
	assert.Equal(t, "#000000", got.Features[0].Properties.MustString("color"))
	assert.Equal(t, 300.0, got.Features[0].Properties.MustFloat64(frequency.CountProperty))

	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", "/frequency/10/x/335").StatusCode)
}

func mustRead(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return raw
}
