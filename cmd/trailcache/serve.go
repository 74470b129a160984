package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/racetrail/internal/api"
	"github.com/banshee-data/racetrail/internal/config"
	"github.com/banshee-data/racetrail/internal/db"
	"github.com/banshee-data/racetrail/internal/gtfsfeed"
	"github.com/banshee-data/racetrail/internal/httputil"
	"github.com/banshee-data/racetrail/internal/timeutil"
	"github.com/banshee-data/racetrail/internal/trail"
	"github.com/banshee-data/racetrail/internal/units"
)

type serveFlags struct {
	commonFlags
	listen       string
	gtfsURL      string
	gtfsInterval time.Duration
	assetsHost   string
	entities     stringList
}

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseServeFlags(args []string) (*serveFlags, error) {
	f := &serveFlags{}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	f.register(fs)
	fs.StringVar(&f.listen, "listen", "", "Listen address (overrides the configuration)")
	fs.StringVar(&f.gtfsURL, "gtfs-url", "", "GTFS-RT vehicle positions feed to poll into the database")
	fs.DurationVar(&f.gtfsInterval, "gtfs-interval", 15*time.Second, "GTFS-RT poll interval")
	fs.StringVar(&f.assetsHost, "assets-host", "", "Host serving the echarts assets")
	fs.Var(&f.entities, "entity", "Entity to track from start (repeatable). Defaults to every stored entity")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// newLive builds the store, engine and live driver over fetcher.
func newLive(cfg *config.TrailConfig, fetcher trail.Fetcher, bus *trail.Bus, clock timeutil.Clock) (*api.Live, error) {
	detail, err := trail.ParseDetailSelector(cfg.GetDetailSelector())
	if err != nil {
		return nil, err
	}
	store := trail.NewStore(trail.WithClock(clock), trail.WithBus(bus))
	var live *api.Live
	sel := func() trail.DetailSelector { return live.Detail() }
	selected, err := units.SpeedDetail(trail.SelectDetail(fetcher, sel), cfg.GetSpeedUnits(), sel)
	if err != nil {
		return nil, err
	}
	engine := trail.NewEngine(store, selected, cfg.EngineConfig(),
		trail.WithEngineClock(clock),
		trail.WithErrorReporter(func(err error) { log.Printf("[trail] fetch failed: %v", err) }),
	)
	live = api.NewLive(engine, clock, cfg.GetRenderDelay(), detail)
	return live, nil
}

func handleServe(ctx context.Context, args []string) error {
	f, err := parseServeFlags(args)
	if err != nil {
		return err
	}
	cfg, err := f.load()
	if err != nil {
		return err
	}
	listen := cfg.GetListen()
	if f.listen != "" {
		listen = f.listen
	}

	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	bus := trail.NewBus(0)
	defer bus.Close()
	live, err := newLive(cfg, database, bus, timeutil.RealClock{})
	if err != nil {
		return err
	}
	if len(f.entities) == 0 {
		ids, err := database.EntityIDs(ctx)
		if err != nil {
			return err
		}
		live.Track(ids...)
	} else {
		for _, id := range f.entities {
			live.Track(trail.EntityID(id))
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := live.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("live engine stopped: %v", err)
		}
		log.Print("live engine routine terminated")
	}()

	if f.gtfsURL != "" {
		poller := gtfsfeed.NewPoller(httputil.NewStandardClient(nil), f.gtfsURL, &trackingSink{database, live}, f.gtfsInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("gtfs poller stopped: %v", err)
			}
			log.Printf("gtfs poller routine terminated: %+v", poller.Stats())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(database, live, bus)
		srv.SetAssetsHost(f.assetsHost)
		srv.SetTimezone(cfg.GetTimezone())
		mux := srv.ServeMux()
		srv.AttachAdminRoutes(mux)
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach db admin routes: %v", err)
		}

		server := &http.Server{
			Addr:              listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("listening on %s", listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
	return nil
}

// trackingSink stores polled fixes and starts tracking their entities.
type trackingSink struct {
	db   *db.DB
	live *api.Live
}

func (s *trackingSink) InsertFixes(ctx context.Context, entity trail.EntityID, fixes []trail.Fix) (int, error) {
	n, err := s.db.InsertFixes(ctx, entity, fixes)
	if err == nil {
		s.live.Track(entity)
	}
	return n, err
}
