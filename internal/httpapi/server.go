// Package httpapi exposes one viewer session over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"transit-viewer/internal/cluster"
	"transit-viewer/internal/frequency"
	"transit-viewer/internal/layers"
	"transit-viewer/internal/transit"
	"transit-viewer/internal/viewstate"
)

// Session is the viewer session the API drives.
type Session interface {
	Snapshot() layers.Snapshot
	Feeds() []transit.Feed
	Busy(k layers.Kind) bool
	ChangeFeed(feed string) error
	ChangeDate(date string) error
	OpenTrip(tripID string)
	CloseTrip()
	OpenStop(stopID string) error
	ClosePopup()
	SetLayerVisible(k layers.Kind, visible bool) error
	Clusters(viewport transit.BoundingBox, zoom int) []cluster.Item
	FrequencyTile(ctx context.Context, z, x, y uint32) ([]frequency.Segment, error)
	Legend() template.HTML
}

// ErrReloading is returned for a selection change while stops are
// still loading.
var ErrReloading = errors.New("stops are reloading")

type Server struct {
	session Session
	logger  *zap.Logger
	router  *mux.Router

	// serialises the busy check with the selection change
	changeMu sync.Mutex
}

func New(session Session, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{session: session, logger: logger}

	r := mux.NewRouter().UseEncodedPath()
	r.Use(s.logRequests)
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/state", s.handleState).Methods("GET")
	r.HandleFunc("/feeds", s.handleFeeds).Methods("GET")
	r.HandleFunc("/feed/{feed}", s.handleFeed).Methods("PUT")
	r.HandleFunc("/date/{date}", s.handleDate).Methods("PUT")
	r.HandleFunc("/trips/{trip_id}", s.handleOpenTrip).Methods("POST")
	r.HandleFunc("/trip", s.handleCloseTrip).Methods("DELETE")
	r.HandleFunc("/stops/{stop_id}", s.handleOpenStop).Methods("POST")
	r.HandleFunc("/popup", s.handleClosePopup).Methods("DELETE")
	r.HandleFunc("/layers/{layer}", s.handleLayer).Methods("PUT")
	r.HandleFunc("/clusters", s.handleClusters).Methods("GET")
	r.HandleFunc("/frequency/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}", s.handleFrequency).Methods("GET")
	r.HandleFunc("/legend", s.handleLegend).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve starts the API server on addr.
func (s *Server) Serve(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()
	s.logger.Info("api listening", zap.String("addr", addr))
	return srv
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handleIndex applies feed and date query parameters to the session.
// Without any feed selected it redirects to the first feed by title.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	feed, date := q.Get(viewstate.ParamFeed), q.Get(viewstate.ParamDate)
	snap := s.session.Snapshot()

	if feed == "" && snap.Feed == "" {
		first, ok := transit.FirstByTitle(s.session.Feeds())
		if !ok {
			writeError(w, http.StatusServiceUnavailable, errors.New("no feeds available"))
			return
		}
		v := url.Values{}
		v.Set(viewstate.ParamFeed, first.UID)
		if date != "" {
			v.Set(viewstate.ParamDate, date)
		}
		http.Redirect(w, r, "/?"+v.Encode(), http.StatusFound)
		return
	}

	if date != "" {
		d, err := viewstate.ParseDate(date)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		date = d.String()
	}
	changeFeed := feed != "" && feed != snap.Feed
	changeDate := date != "" && date != snap.Date
	if changeFeed || changeDate {
		err := s.change(func() error {
			if changeFeed {
				if err := s.session.ChangeFeed(feed); err != nil {
					return err
				}
			}
			if changeDate {
				return s.session.ChangeDate(date)
			}
			return nil
		})
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// change runs fn unless the stops layer is reloading.
func (s *Server) change(fn func() error) error {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	if s.session.Busy(layers.Stops) {
		return ErrReloading
	}
	return fn()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := s.session.Feeds()
	if feeds == nil {
		feeds = []transit.Feed{}
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	feed := pathVar(r, "feed")
	if err := s.change(func() error { return s.session.ChangeFeed(feed) }); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleDate(w http.ResponseWriter, r *http.Request) {
	date := pathVar(r, "date")
	if err := s.change(func() error { return s.session.ChangeDate(date) }); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleOpenTrip(w http.ResponseWriter, r *http.Request) {
	s.session.OpenTrip(pathVar(r, "trip_id"))
	writeJSON(w, http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) handleCloseTrip(w http.ResponseWriter, r *http.Request) {
	s.session.CloseTrip()
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleOpenStop(w http.ResponseWriter, r *http.Request) {
	if err := s.session.OpenStop(pathVar(r, "stop_id")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.session.Snapshot())
}

func (s *Server) handleClosePopup(w http.ResponseWriter, r *http.Request) {
	s.session.ClosePopup()
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	visible, err := strconv.ParseBool(r.URL.Query().Get("visible"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("visible must be true or false"))
		return
	}
	if err := s.session.SetLayerVisible(layers.Kind(pathVar(r, "layer")), visible); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	bb, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	zoom, err := strconv.Atoi(r.URL.Query().Get("zoom"))
	if err != nil || zoom < 0 || zoom > 30 {
		writeError(w, http.StatusBadRequest, errors.New("zoom must be an integer between 0 and 30"))
		return
	}
	items := s.session.Clusters(bb, zoom)
	if items == nil {
		items = []cluster.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// parseBBox parses "west,south,east,north".
func parseBBox(v string) (transit.BoundingBox, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return transit.BoundingBox{}, errors.New("bbox must be west,south,east,north")
	}
	var f [4]float64
	for i, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return transit.BoundingBox{}, errors.New("bbox must be west,south,east,north")
		}
		f[i] = n
	}
	if f[0] > f[2] || f[1] > f[3] {
		return transit.BoundingBox{}, errors.New("bbox corners are swapped")
	}
	return transit.BoundingBox{
		SouthWest: transit.LatLng{Lat: f[1], Lng: f[0]},
		NorthEast: transit.LatLng{Lat: f[3], Lng: f[2]},
	}, nil
}

func (s *Server) handleFrequency(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var zxy [3]uint32
	for i, k := range []string{"z", "x", "y"} {
		n, err := strconv.ParseUint(vars[k], 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid tile coordinate"))
			return
		}
		zxy[i] = uint32(n)
	}
	segs, err := s.session.FrequencyTile(r.Context(), zxy[0], zxy[1], zxy[2])
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	fc := geojson.NewFeatureCollection()
	for _, seg := range segs {
		f := geojson.NewFeature(seg.Geometry)
		f.Properties[frequency.CountProperty] = seg.Count
		f.Properties["color"] = seg.Band.Style.Color
		f.Properties["opacity"] = seg.Band.Style.Opacity
		f.Properties["weight"] = seg.Band.Style.Weight
		fc.Append(f)
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleLegend(w http.ResponseWriter, r *http.Request) {
	legend := s.session.Legend()
	if legend == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(legend))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathVar returns the decoded route variable k. Identifiers may contain
// escaped slashes, so routes match on the encoded path.
func pathVar(r *http.Request, k string) string {
	v := mux.Vars(r)[k]
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrReloading), errors.Is(err, layers.ErrStale):
		return http.StatusConflict
	case errors.Is(err, cluster.ErrUnknownStop):
		return http.StatusNotFound
	case errors.Is(err, viewstate.ErrInvalidDate), errors.Is(err, viewstate.ErrMissingFeed):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
