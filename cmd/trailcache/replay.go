package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/racetrail/internal/config"
	"github.com/banshee-data/racetrail/internal/fixarchive"
	"github.com/banshee-data/racetrail/internal/monitoring"
	"github.com/banshee-data/racetrail/internal/render"
	"github.com/banshee-data/racetrail/internal/security"
	"github.com/banshee-data/racetrail/internal/timeutil"
	"github.com/banshee-data/racetrail/internal/trail"
	"github.com/banshee-data/racetrail/internal/units"
)

var errEmptyArchive = errors.New("archive holds no fixes")

type replayOptions struct {
	Step       time.Duration
	Entities   []trail.EntityID
	Detail     trail.DetailSelector
	SpeedUnits string
	Engine     trail.Config
}

type replayResult struct {
	Steps     int
	Fetches   int
	Inserted  int
	Discarded int
	Cursor    time.Time
	Store     *trail.Store
	Series    []render.Series
}

// replay steps a simulated cursor across the archive's span, one engine
// update per step, and returns the trails shown at the end.
func replay(ctx context.Context, archive *fixarchive.Archive, o replayOptions) (*replayResult, error) {
	first, last, ok := archive.Span()
	if !ok {
		return nil, errEmptyArchive
	}
	if o.Step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %s", o.Step)
	}
	entities := o.Entities
	if len(entities) == 0 {
		entities = archive.Entities()
	}

	clock := timeutil.NewMockClock(first)
	store := trail.NewStore(trail.WithClock(clock))
	cfg := o.Engine
	cfg.RefreshInterval = o.Step
	cfg.Playing = true
	sel := func() trail.DetailSelector { return o.Detail }
	unitsName := o.SpeedUnits
	if unitsName == "" {
		unitsName = units.MPS
	}
	fetcher, err := units.SpeedDetail(trail.SelectDetail(archive, sel), unitsName, sel)
	if err != nil {
		return nil, err
	}
	engine := trail.NewEngine(store, fetcher, cfg, trail.WithEngineClock(clock))

	res := &replayResult{Store: store}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := clock.Now()
		upd, err := engine.Update(ctx, trail.Request{Now: now, Entities: entities})
		if err != nil {
			return nil, err
		}
		res.Steps++
		res.Fetches += len(upd.Quick) + len(upd.Slow)
		for _, m := range upd.Merged {
			res.Inserted += m.Inserted
		}
		if upd.Discarded || upd.SlowDiscarded {
			res.Discarded++
		}
		monitoring.Debugf("[replay] step %d cursor %s fetched %d ranges", res.Steps, now.Format(time.RFC3339), len(upd.Quick)+len(upd.Slow))
		// Run the delayed window slides of this step before the next one.
		clock.Advance(o.Step)
		if now.After(last) {
			break
		}
	}
	res.Cursor = clock.Now().Add(-o.Step)
	res.Series = render.SeriesFromStore(store, entities)
	return res, nil
}

func handleReplay(ctx context.Context, args []string, out io.Writer) error {
	var (
		c        commonFlags
		entities stringList
	)
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	c.register(fs)
	archivePath := fs.String("archive", "fixes.rtra", "Archive to replay")
	step := fs.Duration("step", time.Second, "Simulated time between cursor updates")
	chartPath := fs.String("chart", "", "Write the final detail chart as HTML to this file")
	plotPath := fs.String("plot", "", "Write the final path plot as PNG to this file")
	fs.Var(&entities, "entity", "Entity to replay (repeatable). Defaults to every archived entity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	opts, err := replayOptionsFrom(cfg, *step, entities)
	if err != nil {
		return err
	}

	archive, err := fixarchive.Open(*archivePath)
	if err != nil {
		return err
	}
	res, err := replay(ctx, archive, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "replayed %d steps to %s: %d fetches, %d fixes merged, %d discarded\n",
		res.Steps, units.FormatTime(res.Cursor, cfg.GetTimezone()), res.Fetches, res.Inserted, res.Discarded)
	for _, s := range render.Summarize(res.Series) {
		fmt.Fprintf(out, "%-24s fixes=%d values=%d mean=%.2f p90=%.2f\n", s.Entity, s.Fixes, s.Values, s.Mean, s.P90)
	}

	if *chartPath != "" {
		if err := writeFile(*chartPath, func(w io.Writer) error {
			return render.WriteDetailChart(w, res.Series, res.Store.Boundaries(), render.ChartOptions{
				Title:    "Replay " + *archivePath,
				Subtitle: fmt.Sprintf("detail=%s units=%s cursor=%s", opts.Detail, opts.SpeedUnits, units.FormatTime(res.Cursor, cfg.GetTimezone())),
			})
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", *chartPath)
	}
	if *plotPath != "" {
		if err := writeFile(*plotPath, func(w io.Writer) error {
			return render.WritePathPlot(w, res.Series, units.FormatTime(res.Cursor, cfg.GetTimezone()), 0)
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", *plotPath)
	}
	return nil
}

func replayOptionsFrom(cfg *config.TrailConfig, step time.Duration, entities []string) (replayOptions, error) {
	detail, err := trail.ParseDetailSelector(cfg.GetDetailSelector())
	if err != nil {
		return replayOptions{}, err
	}
	o := replayOptions{Step: step, Detail: detail, SpeedUnits: cfg.GetSpeedUnits(), Engine: cfg.EngineConfig()}
	for _, id := range entities {
		o.Entities = append(o.Entities, trail.EntityID(id))
	}
	return o, nil
}

// writeFile creates path, which must lie under the working or temp
// directory, and fills it with write. A failed write removes the file.
func writeFile(path string, write func(io.Writer) error) error {
	if err := security.ValidateExportPath(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}
