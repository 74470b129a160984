// Package api serves stored fixes, the live trails and their renderings over
// HTTP, and streams trail events to debug clients.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/racetrail/internal/db"
	"github.com/banshee-data/racetrail/internal/httputil"
	"github.com/banshee-data/racetrail/internal/monitoring"
	"github.com/banshee-data/racetrail/internal/render"
	"github.com/banshee-data/racetrail/internal/trail"
	"github.com/banshee-data/racetrail/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxUploadBytes caps a POSTed fix batch.
const maxUploadBytes = 8 << 20

type Server struct {
	db         *db.DB
	live       *Live
	bus        *trail.Bus
	assetsHost string
	timezone   string
}

// NewServer returns a Server over the fix database and a live engine whose
// store publishes on bus.
func NewServer(database *db.DB, live *Live, bus *trail.Bus) *Server {
	return &Server{db: database, live: live, bus: bus}
}

// SetAssetsHost points rendered charts at a local echarts asset mirror.
func (s *Server) SetAssetsHost(host string) { s.assetsHost = host }

// SetTimezone sets the zone chart and plot labels are rendered in.
func (s *Server) SetTimezone(tz string) { s.timezone = tz }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware tags each request with an X-Request-Id and logs method,
// path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms id=%s",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6, id,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/entities", s.listEntities)
	mux.HandleFunc("/api/fixes", s.handleFixes)
	mux.HandleFunc("/api/trails", s.handleTrails)
	mux.HandleFunc("/api/summary", s.showSummary)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/chart", s.showChart)
	mux.HandleFunc("/plot.png", s.showPlot)
	return mux
}

// AttachAdminRoutes mounts the trail event stream and a state dump under
// /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("trail-state", "Per-entity trail state", http.HandlerFunc(s.showTrailState))
	debug.HandleSilentFunc("trail-events", s.streamEvents)
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	summaries, err := s.db.Entities(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, summaries)
}

func (s *Server) handleFixes(w http.ResponseWriter, r *http.Request) {
	entity := trail.EntityID(r.URL.Query().Get("entity"))
	if entity == "" {
		httputil.BadRequest(w, "missing entity")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listFixes(w, r, entity)
	case http.MethodPost:
		s.postFixes(w, r, entity)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func parseTimeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC3339 or unix milliseconds", name, v)
	}
	return t, nil
}

// listFixes returns stored fixes with from <= t < to. Both bounds default to
// the live window.
func (s *Server) listFixes(w http.ResponseWriter, r *http.Request, entity trail.EntityID) {
	cursor := s.live.Cursor()
	from, err := parseTimeParam(r, "from", cursor.Add(-s.live.Engine().Config().WindowLength))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	to, err := parseTimeParam(r, "to", cursor)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	fixes, err := s.db.FetchFixes(r.Context(), entity, from, to)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, fixes)
}

func (s *Server) postFixes(w http.ResponseWriter, r *http.Request, entity trail.EntityID) {
	var fixes []trail.Fix
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&fixes); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid fixes: %v", err))
		return
	}
	for i, f := range fixes {
		if f.Timestamp.IsZero() {
			httputil.BadRequest(w, fmt.Sprintf("fix %d has no timestamp", i))
			return
		}
	}
	n, err := s.db.InsertFixes(r.Context(), entity, fixes)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	s.live.Track(entity)
	httputil.WriteJSON(w, http.StatusCreated, map[string]int{"inserted": n})
}

// TrailView is the API shape of one entity's shown trail.
type TrailView struct {
	Entity           trail.EntityID     `json:"entity"`
	State            trail.TrailState   `json:"state"`
	Window           trail.RenderWindow `json:"window"`
	SpeculativeGapMs int64              `json:"speculative_gap_ms"`
	Fixes            []trail.Fix        `json:"fixes,omitempty"`
}

func (s *Server) trailViews(withFixes bool, only trail.EntityID) []TrailView {
	store := s.live.Engine().Store()
	views := []TrailView{}
	for _, id := range s.live.Entities() {
		if only != "" && id != only {
			continue
		}
		v := TrailView{
			Entity:           id,
			State:            store.State(id),
			Window:           store.Window(id),
			SpeculativeGapMs: store.SpeculativeGap(id).Milliseconds(),
		}
		if withFixes {
			v.Fixes = store.WindowFixes(id)
		}
		views = append(views, v)
	}
	return views
}

func (s *Server) handleTrails(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTrails(w, r)
	case http.MethodDelete:
		s.untrack(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// untrack stops following an entity. Its stored fixes are kept.
func (s *Server) untrack(w http.ResponseWriter, r *http.Request) {
	entity := trail.EntityID(r.URL.Query().Get("entity"))
	if entity == "" {
		httputil.BadRequest(w, "missing entity")
		return
	}
	if !s.live.Untrack(entity) {
		httputil.NotFound(w, fmt.Sprintf("entity %q is not tracked", entity))
		return
	}
	httputil.WriteJSONOK(w, TrailView{
		Entity: entity,
		State:  s.live.Engine().Store().State(entity),
		Window: trail.UnsetWindow(),
	})
}

func (s *Server) listTrails(w http.ResponseWriter, r *http.Request) {
	only := trail.EntityID(r.URL.Query().Get("entity"))
	views := s.trailViews(true, only)
	if only != "" && len(views) == 0 {
		httputil.NotFound(w, fmt.Sprintf("entity %q is not tracked", only))
		return
	}
	httputil.WriteJSONOK(w, views)
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	store := s.live.Engine().Store()
	resp := struct {
		Cursor     time.Time        `json:"cursor"`
		Boundaries *[2]float64      `json:"boundaries,omitempty"`
		Entities   []render.Summary `json:"entities"`
	}{
		Cursor:   s.live.Cursor(),
		Entities: render.Summarize(render.SeriesFromStore(store, s.live.Entities())),
	}
	if lo, hi, ok := store.Boundaries().Range(); ok {
		resp.Boundaries = &[2]float64{lo, hi}
	}
	httputil.WriteJSONOK(w, resp)
}

// ConfigView is the runtime-adjustable part of the engine configuration.
type ConfigView struct {
	WindowLength    string               `json:"window_length"`
	RefreshInterval string               `json:"refresh_interval"`
	QuickTip        string               `json:"quick_tip"`
	Playing         bool                 `json:"playing"`
	DetailSelector  trail.DetailSelector `json:"detail_selector"`
}

type configUpdate struct {
	WindowLength   *string `json:"window_length"`
	Playing        *bool   `json:"playing"`
	DetailSelector *string `json:"detail_selector"`
}

func (s *Server) configView() ConfigView {
	cfg := s.live.Engine().Config()
	return ConfigView{
		WindowLength:    cfg.WindowLength.String(),
		RefreshInterval: cfg.RefreshInterval.String(),
		QuickTip:        cfg.QuickTip.String(),
		Playing:         cfg.Playing,
		DetailSelector:  s.live.Detail(),
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.configView())
	case http.MethodPost, http.MethodPatch:
		var upd configUpdate
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&upd); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid config: %v", err))
			return
		}
		var (
			detail trail.DetailSelector
			window time.Duration
			err    error
		)
		if upd.DetailSelector != nil {
			if detail, err = trail.ParseDetailSelector(*upd.DetailSelector); err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
		}
		if upd.WindowLength != nil {
			if window, err = time.ParseDuration(*upd.WindowLength); err != nil || window <= 0 {
				httputil.BadRequest(w, fmt.Sprintf("invalid window_length %q", *upd.WindowLength))
				return
			}
		}
		if detail != "" {
			s.live.SetDetail(detail)
		}
		if window > 0 {
			s.live.Engine().UpdateConfig(func(c *trail.Config) { c.WindowLength = window })
		}
		if upd.Playing != nil {
			s.live.SetPlaying(*upd.Playing)
		}
		monitoring.Logf("[api] config updated: %+v", s.configView())
		httputil.WriteJSONOK(w, s.configView())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	store := s.live.Engine().Store()
	series := render.SeriesFromStore(store, s.live.Entities())
	var buf bytes.Buffer
	err := render.WriteDetailChart(&buf, series, store.Boundaries(), render.ChartOptions{
		Title:      "Trail detail",
		Subtitle:   fmt.Sprintf("detail=%s cursor=%s", s.live.Detail(), units.FormatTime(s.live.Cursor(), s.timezone)),
		AssetsHost: s.assetsHost,
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) showPlot(w http.ResponseWriter, r *http.Request) {
	series := render.SeriesFromStore(s.live.Engine().Store(), s.live.Entities())
	var buf bytes.Buffer
	if err := render.WritePathPlot(&buf, series, units.FormatTime(s.live.Cursor(), s.timezone), 0); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) showTrailState(w http.ResponseWriter, r *http.Request) {
	store := s.live.Engine().Store()
	type entityState struct {
		TrailView
		Generation uint64               `json:"generation"`
		Cached     int                  `json:"cached"`
		Aggregate  trail.AggregateState `json:"aggregate"`
	}
	out := []entityState{}
	for _, v := range s.trailViews(false, "") {
		gen, _ := store.Generation(v.Entity)
		fixes, _ := store.Fixes(v.Entity)
		out = append(out, entityState{
			TrailView:  v,
			Generation: gen,
			Cached:     len(fixes),
			Aggregate:  store.Aggregate(v.Entity),
		})
	}
	httputil.WriteJSONOK(w, out)
}

// streamEvents relays bus events as server-sent events until the client
// goes away or the bus closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case e, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				monitoring.Logf("[api] failed to encode event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
