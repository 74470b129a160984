package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/banshee-data/racetrail/internal/db"
	"github.com/banshee-data/racetrail/internal/fixarchive"
	"github.com/banshee-data/racetrail/internal/gtfsfeed"
	"github.com/banshee-data/racetrail/internal/trail"
)

const maxImportBytes = 256 << 20

// readFixFile reads a JSON object mapping entity ids to fix arrays.
func readFixFile(path string) (map[trail.EntityID][]trail.Fix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out map[trail.EntityID][]trail.Fix
	if err := json.NewDecoder(io.LimitReader(f, maxImportBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

// readGTFSFile reads a GTFS-RT vehicle positions snapshot.
func readGTFSFile(path string) (map[trail.EntityID][]trail.Fix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	batch, err := gtfsfeed.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return batch.Fixes, nil
}

// importFixes inserts every entity's fixes in id order and returns the total
// stored.
func importFixes(ctx context.Context, database *db.DB, fixes map[trail.EntityID][]trail.Fix, out io.Writer) (int, error) {
	ids := make([]trail.EntityID, 0, len(fixes))
	for id := range fixes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	total := 0
	for _, id := range ids {
		n, err := database.InsertFixes(ctx, id, fixes[id])
		if err != nil {
			return total, fmt.Errorf("insert %s: %w", id, err)
		}
		fmt.Fprintf(out, "%-24s %6d fixes\n", id, n)
		total += n
	}
	return total, nil
}

func handleImport(ctx context.Context, args []string, out io.Writer) error {
	var c commonFlags
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	c.register(fs)
	gtfs := fs.Bool("gtfs", false, "Inputs are GTFS-RT protobuf snapshots rather than JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: trailcache import [--gtfs] <file>...")
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	read := readFixFile
	if *gtfs {
		read = readGTFSFile
	}
	total := 0
	for _, path := range fs.Args() {
		fixes, err := read(path)
		if err != nil {
			return err
		}
		n, err := importFixes(ctx, database, fixes, out)
		total += n
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "imported %d fixes into %s\n", total, cfg.GetDatabasePath())
	return nil
}

func handleArchive(ctx context.Context, args []string, out io.Writer) error {
	var c commonFlags
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	c.register(fs)
	codecName := fs.String("codec", "", "Compression codec: zstd, s2, lz4 or none (overrides the configuration)")
	outPath := fs.String("out", "fixes.rtra", "Archive file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	name := cfg.GetArchiveCodec()
	if *codecName != "" {
		name = *codecName
	}
	codec, err := fixarchive.CodecByName(name)
	if err != nil {
		return err
	}

	database, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	var n int64
	err = writeFile(*outPath, func(w io.Writer) error {
		var err error
		n, err = fixarchive.Export(ctx, database, codec, w)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s (%d bytes, %s)\n", *outPath, n, codec.Name())
	return nil
}

func handleMigrate(args []string, out io.Writer) error {
	var c commonFlags
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), cfg.GetDatabasePath(), out)
}
