// Package db stores fixes in SQLite and serves them back to the trail engine
// as a fetch source.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/racetrail/internal/monitoring"
	"github.com/banshee-data/racetrail/internal/trail"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationsFS returns the embedded schema migrations.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching its schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// InsertFixes upserts fixes for entity. Afterwards every speculative fix
// older than the entity's newest stored fix is dropped, so the store never
// holds a speculative fix ahead of other data.
func (db *DB) InsertFixes(ctx context.Context, entity trail.EntityID, fixes []trail.Fix) (int, error) {
	if len(fixes) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fixes (entity_id, ts_unix_nanos, lat, lng, speed, bearing, detail, speculative)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, ts_unix_nanos) DO UPDATE SET
			lat = excluded.lat,
			lng = excluded.lng,
			speed = excluded.speed,
			bearing = excluded.bearing,
			detail = excluded.detail,
			speculative = excluded.speculative`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range fixes {
		var speed, bearing sql.NullFloat64
		if f.Velocity != nil {
			speed = sql.NullFloat64{Float64: f.Velocity.Speed, Valid: true}
			bearing = sql.NullFloat64{Float64: f.Velocity.Bearing, Valid: true}
		}
		ts := f.Timestamp.UnixNano()
		if _, err := stmt.ExecContext(ctx, string(entity), ts, f.Position.Lat, f.Position.Lng,
			speed, bearing, nullFloat(f.DetailValue), f.Speculative); err != nil {
			return 0, fmt.Errorf("insert fix %s@%d: %w", entity, ts, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fixes WHERE entity_id = ? AND speculative = 1
			AND ts_unix_nanos < (SELECT MAX(ts_unix_nanos) FROM fixes WHERE entity_id = ?)`,
		string(entity), string(entity)); err != nil {
		return 0, fmt.Errorf("drop superseded speculative fixes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return len(fixes), nil
}

// FetchFixes returns the fixes for entity with from <= timestamp < to,
// oldest first.
func (db *DB) FetchFixes(ctx context.Context, entity trail.EntityID, from, to time.Time) ([]trail.Fix, error) {
	return db.queryFixes(ctx, `
		SELECT ts_unix_nanos, lat, lng, speed, bearing, detail, speculative
		FROM fixes
		WHERE entity_id = ? AND ts_unix_nanos >= ? AND ts_unix_nanos < ?
		ORDER BY ts_unix_nanos`,
		string(entity), from.UnixNano(), to.UnixNano())
}

// EntityFixes returns every stored fix for entity, oldest first.
func (db *DB) EntityFixes(ctx context.Context, entity trail.EntityID) ([]trail.Fix, error) {
	return db.queryFixes(ctx, `
		SELECT ts_unix_nanos, lat, lng, speed, bearing, detail, speculative
		FROM fixes
		WHERE entity_id = ?
		ORDER BY ts_unix_nanos`,
		string(entity))
}

func (db *DB) queryFixes(ctx context.Context, query string, args ...any) ([]trail.Fix, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fixes: %w", err)
	}
	defer rows.Close()

	fixes := []trail.Fix{}
	for rows.Next() {
		var (
			ts                    int64
			f                     trail.Fix
			speed, bearing, value sql.NullFloat64
		)
		if err := rows.Scan(&ts, &f.Position.Lat, &f.Position.Lng, &speed, &bearing, &value, &f.Speculative); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		f.Timestamp = time.Unix(0, ts).UTC()
		if speed.Valid {
			f.Velocity = &trail.Velocity{Speed: speed.Float64, Bearing: bearing.Float64}
		}
		if value.Valid {
			f.DetailValue = trail.Float(value.Float64)
		}
		fixes = append(fixes, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fixes: %w", err)
	}
	return fixes, nil
}

// EntitySummary describes what is stored for one entity.
type EntitySummary struct {
	Entity trail.EntityID `json:"entity"`
	Count  int            `json:"count"`
	First  time.Time      `json:"first"`
	Last   time.Time      `json:"last"`
}

// Entities summarises the stored fixes per entity, ordered by entity.
func (db *DB) Entities(ctx context.Context) ([]EntitySummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT entity_id, COUNT(*), MIN(ts_unix_nanos), MAX(ts_unix_nanos)
		FROM fixes
		GROUP BY entity_id
		ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	out := []EntitySummary{}
	for rows.Next() {
		var (
			s           EntitySummary
			first, last int64
		)
		if err := rows.Scan(&s.Entity, &s.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		s.First = time.Unix(0, first).UTC()
		s.Last = time.Unix(0, last).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// EntityIDs returns the ids of every stored entity.
func (db *DB) EntityIDs(ctx context.Context) ([]trail.EntityID, error) {
	summaries, err := db.Entities(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]trail.EntityID, len(summaries))
	for i, s := range summaries {
		ids[i] = s.Entity
	}
	return ids, nil
}

// AttachAdminRoutes mounts live SQL, a per-entity summary and a backup
// download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Fix DB",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("fixes", "Stored fixes per entity", db.summaryHandler())
	debug.Handle("backup", "Create and download a backup of the database now", db.backupHandler())
	return nil
}

func (db *DB) summaryHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		summaries, err := db.Entities(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summaries); err != nil {
			monitoring.Logf("[db] failed to encode summary: %v", err)
		}
	})
}

func (db *DB) backupHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("[db] failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			monitoring.Logf("[db] failed to stream backup: %v", err)
		}
	})
}
