package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/racetrail/internal/db"
	"github.com/banshee-data/racetrail/internal/fixarchive"
	"github.com/banshee-data/racetrail/internal/gtfsfeed"
	"github.com/banshee-data/racetrail/internal/trail"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func raceFile(t *testing.T, dir string) string {
	t.Helper()
	race := map[trail.EntityID][]trail.Fix{}
	for s := 0; s <= 600; s += 10 {
		at := base.Add(time.Duration(s) * time.Second)
		race["alpha"] = append(race["alpha"], trail.Fix{
			Timestamp: at,
			Position:  trail.Coordinate{Lat: 54.3 + float64(s)/1e4, Lng: 10.1},
			Velocity:  &trail.Velocity{Speed: float64(s) / 60, Bearing: 90},
		})
		race["bravo"] = append(race["bravo"], trail.Fix{
			Timestamp: at,
			Position:  trail.Coordinate{Lat: 54.3, Lng: 10.1 + float64(s)/1e4},
		})
	}
	data, err := json.Marshal(race)
	require.NoError(t, err)
	path := filepath.Join(dir, "race.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func noneCodec(t *testing.T) fixarchive.Codec {
	t.Helper()
	c, err := fixarchive.CodecByName("none")
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// command dispatch
// ---------------------------------------------------------------------------

func TestRun_Commands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, run(ctx, "version", nil, &out))
	assert.Contains(t, out.String(), "trailcache dev")

	out.Reset()
	require.NoError(t, run(ctx, "help", nil, &out))
	assert.Contains(t, out.String(), "replay")

	out.Reset()
	err := run(ctx, "launch", nil, &out)
	require.ErrorIs(t, err, errUnknownCommand)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParseServeFlags(t *testing.T) {
	t.Parallel()
	f, err := parseServeFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, f.gtfsInterval)
	assert.Empty(t, f.entities)

	f, err = parseServeFlags([]string{"-listen", ":9000", "-entity", "alpha", "-entity", "bravo", "-db", "x.db"})
	require.NoError(t, err)
	assert.Equal(t, ":9000", f.listen)
	assert.Equal(t, stringList{"alpha", "bravo"}, f.entities)

	cfg, err := f.load()
	require.NoError(t, err)
	assert.Equal(t, "x.db", cfg.GetDatabasePath())

	_, err = parseServeFlags([]string{"-gtfs-interval", "soon"})
	assert.Error(t, err)
}

func TestCommonFlags_LoadConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("window_length: 2m\ndetail_selector: none\n"), 0o644))

	c := commonFlags{configPath: path}
	cfg, err := c.load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.GetWindowLength())
	assert.Equal(t, "none", cfg.GetDetailSelector())
	assert.Equal(t, "fixes.db", cfg.GetDatabasePath())

	require.NoError(t, os.WriteFile(path, []byte("detail_selector: heart_rate\n"), 0o644))
	_, err = c.load()
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// import, archive, replay
// ---------------------------------------------------------------------------

func TestImportArchiveReplay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	dbPath := filepath.Join(dir, "fixes.db")
	archivePath := filepath.Join(dir, "race.rtra")
	chartPath := filepath.Join(dir, "race.html")
	plotPath := filepath.Join(dir, "race.png")

	var out bytes.Buffer
	require.NoError(t, run(ctx, "import", []string{"-db", dbPath, raceFile(t, dir)}, &out))
	assert.Contains(t, out.String(), "imported 122 fixes")

	out.Reset()
	require.NoError(t, run(ctx, "archive", []string{"-db", dbPath, "-codec", "lz4", "-out", archivePath}, &out))
	assert.Contains(t, out.String(), "lz4")

	archive, err := fixarchive.Open(archivePath)
	require.NoError(t, err)
	assert.Equal(t, []trail.EntityID{"alpha", "bravo"}, archive.Entities())

	out.Reset()
	require.NoError(t, run(ctx, "replay", []string{
		"-archive", archivePath, "-step", "30s", "-chart", chartPath, "-plot", plotPath,
	}, &out))
	assert.Contains(t, out.String(), "replayed 22 steps")

	html, err := os.ReadFile(chartPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "alpha")

	f, err := os.Open(plotPath)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	require.NoError(t, err)
}

func TestReplay(t *testing.T) {
	t.Parallel()
	w := fixarchive.NewWriter(noneCodec(t))
	var fixes []trail.Fix
	for s := 0; s <= 600; s += 10 {
		fixes = append(fixes, trail.Fix{
			Timestamp: base.Add(time.Duration(s) * time.Second),
			Velocity:  &trail.Velocity{Speed: float64(s)},
		})
	}
	w.Add("alpha", fixes)
	var buf bytes.Buffer
	_, err := w.WriteTo(&buf)
	require.NoError(t, err)
	archive, err := fixarchive.Read(&buf)
	require.NoError(t, err)

	res, err := replay(context.Background(), archive, replayOptions{
		Step:   30 * time.Second,
		Detail: trail.DetailSpeed,
		Engine: trail.DefaultConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, 22, res.Steps)
	assert.Equal(t, base.Add(630*time.Second), res.Cursor)
	assert.Zero(t, res.Discarded)

	require.Len(t, res.Series, 1)
	shown := res.Series[0].Fixes
	require.Len(t, shown, 28)
	assert.True(t, shown[0].Timestamp.Equal(base.Add(330*time.Second)))
	assert.True(t, shown[len(shown)-1].Timestamp.Equal(base.Add(600*time.Second)))

	lo, hi, ok := res.Store.Boundaries().Range()
	require.True(t, ok)
	assert.Equal(t, 330.0, lo)
	assert.Equal(t, 600.0, hi)
}

func TestReplay_Errors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	_, err := fixarchive.NewWriter(noneCodec(t)).WriteTo(&buf)
	require.NoError(t, err)
	empty, err := fixarchive.Read(&buf)
	require.NoError(t, err)

	_, err = replay(context.Background(), empty, replayOptions{Step: time.Second})
	assert.ErrorIs(t, err, errEmptyArchive)
}

func TestImportGTFS(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	data, err := gtfsfeed.Encode(map[trail.EntityID][]trail.Fix{
		"bus-7": {
			{Timestamp: base, Position: trail.Coordinate{Lat: 52.5, Lng: 13.4}},
			{Timestamp: base.Add(time.Minute), Position: trail.Coordinate{Lat: 52.6, Lng: 13.4}},
		},
	})
	require.NoError(t, err)
	feed := filepath.Join(dir, "positions.pb")
	require.NoError(t, os.WriteFile(feed, data, 0o644))

	dbPath := filepath.Join(dir, "fixes.db")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), "import", []string{"-db", dbPath, "-gtfs", feed}, &out))
	assert.Contains(t, out.String(), "bus-7")

	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()
	got, err := database.EntityFixes(context.Background(), "bus-7")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestImport_Usage(t *testing.T) {
	t.Parallel()
	err := run(context.Background(), "import", []string{"-db", filepath.Join(t.TempDir(), "x.db")}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "usage")
}

func TestMigrateStatus(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "fixes.db")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), "migrate", []string{"-db", dbPath, "up"}, &out))
	assert.NotEmpty(t, out.String())
}
