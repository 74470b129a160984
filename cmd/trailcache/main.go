package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/racetrail/internal/config"
	"github.com/banshee-data/racetrail/internal/monitoring"
	"github.com/banshee-data/racetrail/internal/version"
)

func main() {
	flag.Usage = func() { printUsage(os.Stdout) }
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "trailcache %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

// errUnknownCommand is returned by run for a command it does not know.
var errUnknownCommand = errors.New("unknown command")

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	switch command {
	case "serve":
		return handleServe(ctx, args)
	case "import":
		return handleImport(ctx, args, out)
	case "archive":
		return handleArchive(ctx, args, out)
	case "replay":
		return handleReplay(ctx, args, out)
	case "migrate":
		return handleMigrate(args, out)
	case "version":
		fmt.Fprintln(out, version.String())
		return nil
	case "help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("%w %q", errUnknownCommand, command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `trailcache - temporal track cache for race and vehicle trails

Usage: trailcache <command> [options]

Commands:
  serve      Serve the fix API, live trails, chart and plot
  import     Load a JSON fix file or GTFS-RT feed into the database
  archive    Export the database into a compressed fix archive
  replay     Replay an archive through the engine and render the result
  migrate    Run database migrations (up, down, status, force)
  version    Show version information
  help       Show this help message

Common Flags:
  --config <file>   Trail configuration (.json, .yml or .yaml)
  --db <path>       SQLite database path (overrides the configuration)
  --debug           Enable debug logging

Examples:
  trailcache serve --config trail.yaml --gtfs-url https://example.org/vehicle-positions
  trailcache import --db fixes.db race.json
  trailcache archive --db fixes.db --codec lz4 --out race.rtra
  trailcache replay --archive race.rtra --step 5s --chart race.html --plot race.png`)
}

// commonFlags are shared by every subcommand that touches the database.
type commonFlags struct {
	configPath string
	dbPath     string
	debug      bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Trail configuration file")
	fs.StringVar(&c.dbPath, "db", "", "SQLite database path")
	fs.BoolVar(&c.debug, "debug", false, "Enable debug logging")
}

// load returns the configuration with the -db override applied.
func (c *commonFlags) load() (*config.TrailConfig, error) {
	monitoring.SetDebug(c.debug)
	cfg := config.EmptyTrailConfig()
	if c.configPath != "" {
		var err error
		if cfg, err = config.LoadTrailConfig(c.configPath); err != nil {
			return nil, err
		}
	}
	if c.dbPath != "" {
		cfg.DatabasePath = &c.dbPath
	}
	return cfg, nil
}
