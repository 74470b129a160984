package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/racetrail/internal/db"
	"github.com/banshee-data/racetrail/internal/timeutil"
	"github.com/banshee-data/racetrail/internal/trail"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*Server
	db    *db.DB
	live  *Live
	clock *timeutil.MockClock
	mux   *http.ServeMux
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "fixes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := timeutil.NewMockClock(base.Add(610 * time.Second))
	bus := trail.NewBus(0)
	t.Cleanup(bus.Close)
	store := trail.NewStore(trail.WithClock(clock), trail.WithBus(bus))

	var live *Live
	fetcher := trail.SelectDetail(database, func() trail.DetailSelector { return live.Detail() })
	engine := trail.NewEngine(store, fetcher, trail.Config{
		WindowLength:    300 * time.Second,
		RefreshInterval: time.Second,
		QuickTip:        30 * time.Second,
	}, trail.WithEngineClock(clock))
	live = NewLive(engine, clock, 10*time.Second, trail.DetailSpeed)

	s := NewServer(database, live, bus)
	mux := s.ServeMux()
	s.AttachAdminRoutes(mux)
	return &testServer{Server: s, db: database, live: live, clock: clock, mux: mux}
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(method, target, &buf))
	return rec
}

func raceFixes() []trail.Fix {
	var fixes []trail.Fix
	for s := 0; s <= 600; s += 10 {
		fixes = append(fixes, trail.Fix{
			Timestamp: base.Add(time.Duration(s) * time.Second),
			Position:  trail.Coordinate{Lat: 54.3 + float64(s)/1e4, Lng: 10.1},
			Velocity:  &trail.Velocity{Speed: float64(s) / 10, Bearing: 45},
		})
	}
	return fixes
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// ---------------------------------------------------------------------------
// fixes
// ---------------------------------------------------------------------------

func TestFixes_PostAndList(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/fixes?entity=boat", raceFixes())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 61, decode[map[string]int](t, rec)["inserted"])
	assert.Equal(t, []trail.EntityID{"boat"}, ts.live.Entities())

	from := base.Add(100 * time.Second).Format(time.RFC3339)
	to := base.Add(130 * time.Second).UnixMilli()
	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/fixes?entity=boat&from=%s&to=%d", from, to), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]trail.Fix](t, rec)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Equal(base.Add(100*time.Second)))

	rec = ts.do(t, http.MethodGet, "/api/fixes?entity=boat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]trail.Fix](t, rec), 30, "defaults to the live window")

	rec = ts.do(t, http.MethodGet, "/api/entities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summaries := decode[[]db.EntitySummary](t, rec)
	require.Len(t, summaries, 1)
	assert.Equal(t, 61, summaries[0].Count)
}

func TestFixes_BadRequests(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		status int
	}{
		{"missing entity", http.MethodGet, "/api/fixes", nil, http.StatusBadRequest},
		{"bad from", http.MethodGet, "/api/fixes?entity=boat&from=yesterday", nil, http.StatusBadRequest},
		{"bad to", http.MethodGet, "/api/fixes?entity=boat&to=later", nil, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/api/fixes?entity=boat", "nope", http.StatusBadRequest},
		{"no timestamp", http.MethodPost, "/api/fixes?entity=boat", []trail.Fix{{}}, http.StatusBadRequest},
		{"method", http.MethodDelete, "/api/fixes?entity=boat", nil, http.StatusMethodNotAllowed},
		{"entities method", http.MethodPost, "/api/entities", nil, http.StatusMethodNotAllowed},
		{"untracked trail", http.MethodGet, "/api/trails?entity=ghost", nil, http.StatusNotFound},
		{"trails method", http.MethodPut, "/api/trails", nil, http.StatusMethodNotAllowed},
		{"config method", http.MethodDelete, "/api/config", nil, http.StatusMethodNotAllowed},
		{"config selector", http.MethodPost, "/api/config", map[string]string{"detail_selector": "heart_rate"}, http.StatusBadRequest},
		{"config window", http.MethodPost, "/api/config", map[string]string{"window_length": "-5m"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

// ---------------------------------------------------------------------------
// live trails
// ---------------------------------------------------------------------------

func TestTrails_FollowTheLiveCursor(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)
	ctx := context.Background()
	_, err := ts.db.InsertFixes(ctx, "boat", raceFixes())
	require.NoError(t, err)
	ts.live.Track("boat")

	_, err = ts.live.Tick(ctx)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/api/trails", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]TrailView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, trail.TrailConsistent, views[0].State)
	require.Len(t, views[0].Fixes, 30)
	assert.True(t, views[0].Fixes[0].Timestamp.Equal(base.Add(300*time.Second)))
	v, ok := views[0].Fixes[0].Detail()
	require.True(t, ok, "the speed selector fills detail values")
	assert.Equal(t, 30.0, v)

	rec = ts.do(t, http.MethodGet, "/api/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Boundaries *[2]float64 `json:"boundaries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.NotNil(t, summary.Boundaries)
	assert.Equal(t, [2]float64{30, 59}, *summary.Boundaries)
}

func TestConfig_DetailChangeRefetches(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)
	ctx := context.Background()
	_, err := ts.db.InsertFixes(ctx, "boat", raceFixes())
	require.NoError(t, err)
	ts.live.Track("boat")
	_, err = ts.live.Tick(ctx)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/api/config", map[string]any{"detail_selector": "none", "window_length": "2m"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cfg := decode[ConfigView](t, rec)
	assert.Equal(t, trail.DetailNone, cfg.DetailSelector)
	assert.Equal(t, "2m0s", cfg.WindowLength)

	res, err := ts.live.Tick(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, res.Quick)
	assert.False(t, res.Quick[0].Incremental, "a detail change replaces the cache")

	shown := ts.live.Engine().Store().WindowFixes("boat")
	require.NotEmpty(t, shown)
	for _, f := range shown {
		assert.Nil(t, f.DetailValue)
	}
	assert.True(t, shown[0].Timestamp.Equal(base.Add(480*time.Second)))
}

func TestConfig_PauseFreezesCursor(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/config", map[string]bool{"playing": true}).Code)
	before := ts.live.Cursor()
	assert.Equal(t, base.Add(600*time.Second), before)

	rec := ts.do(t, http.MethodPost, "/api/config", map[string]bool{"playing": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[ConfigView](t, rec).Playing)

	ts.clock.Advance(time.Minute)
	assert.Equal(t, before, ts.live.Cursor())

	ts.live.SetPlaying(true)
	assert.Equal(t, base.Add(660*time.Second), ts.live.Cursor())
	assert.True(t, ts.live.Engine().Config().Playing)
}

func TestLive_NextRequestConsumesDetailChange(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)
	ts.live.Track("b", "a")

	ts.live.SetDetail(trail.DetailSpeed)
	assert.False(t, ts.live.NextRequest().DetailChanged, "same selector is not a change")

	ts.live.SetDetail(trail.DetailStored)
	req := ts.live.NextRequest()
	assert.True(t, req.DetailChanged)
	assert.Equal(t, []trail.EntityID{"a", "b"}, req.Entities)
	assert.False(t, ts.live.NextRequest().DetailChanged)

	assert.True(t, ts.live.Untrack("a"))
	assert.False(t, ts.live.Untrack("a"))
	assert.Equal(t, []trail.EntityID{"b"}, ts.live.NextRequest().Entities)
}

func TestTrails_DeleteDetachesEntity(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)
	ctx := context.Background()
	_, err := ts.db.InsertFixes(ctx, "boat", raceFixes())
	require.NoError(t, err)
	ts.live.Track("boat")
	_, err = ts.live.Tick(ctx)
	require.NoError(t, err)
	store := ts.live.Engine().Store()
	require.True(t, store.HasFixes("boat"))

	rec := ts.do(t, http.MethodDelete, "/api/trails?entity=boat", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, trail.Removed, decode[TrailView](t, rec).State)
	assert.Equal(t, trail.Removed, store.State("boat"))
	assert.False(t, store.HasFixes("boat"))
	assert.False(t, store.HasTrail("boat"))
	assert.Empty(t, ts.live.Entities())

	// Later ticks leave the detached entity alone.
	_, err = ts.live.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, trail.Removed, store.State("boat"))

	rec = ts.do(t, http.MethodDelete, "/api/trails?entity=boat", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/trails", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stored, err := ts.db.EntityFixes(ctx, "boat")
	require.NoError(t, err)
	assert.Len(t, stored, 61, "stored fixes are kept")
}

// ---------------------------------------------------------------------------
// renderings and debug routes
// ---------------------------------------------------------------------------

func TestChartAndPlot(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)
	ctx := context.Background()
	_, err := ts.db.InsertFixes(ctx, "boat", raceFixes())
	require.NoError(t, err)
	ts.live.Track("boat")
	_, err = ts.live.Tick(ctx)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/chart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "boat")

	rec = ts.do(t, http.MethodGet, "/plot.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestTrailState(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)
	ts.live.Track("boat")

	rec := httptest.NewRecorder()
	ts.showTrailState(rec, httptest.NewRequest(http.MethodGet, "/debug/trail-state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"no_trail"`)
}

func TestStreamEvents(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t)
	ctx := context.Background()
	_, err := ts.db.InsertFixes(ctx, "boat", raceFixes())
	require.NoError(t, err)
	ts.live.Track("boat")

	srv := httptest.NewServer(ts.mux)
	defer srv.Close()
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/debug/trail-events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	ping, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", ping)

	_, err = ts.live.Tick(ctx)
	require.NoError(t, err)

	for {
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: replaced\n", line)
			break
		}
	}
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-Id"))
}
