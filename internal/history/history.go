// Package history persists one row per `record` invocation to a local
// or shared store, and reads that history back for `history list`/`show`.
// The default backend is sqlite, zero-config by design; postgres and
// clickhouse are opt-in for teams that centralize history across a fleet.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Backend selects which store Open constructs.
type Backend string

const (
	BackendSQLite     Backend = "sqlite"
	BackendPostgres   Backend = "postgres"
	BackendClickHouse Backend = "clickhouse"
)

// Run is one `record` invocation's row: enough to answer "what did I
// profile last Tuesday and where did the time go" without re-opening
// the canonical profile.
type Run struct {
	bun.BaseModel `bun:"table:uniprof_runs,alias:r"`

	ID          string    `bun:",pk" json:"id"`
	StartedAt   time.Time `json:"startedAt"`
	Platform    string    `json:"platform"`
	Mode        string    `json:"mode"`
	Duration    float64   `json:"durationSeconds"`
	OutputPath  string    `json:"outputPath"`
	TopHotspot  string    `json:"topHotspot"`
	TopPercent  float64   `json:"topHotspotPercent"`
}

// Store is the backend-agnostic history contract record.Run appends to
// and the `history` subcommands read from.
type Store interface {
	Append(ctx context.Context, run Run) error
	List(ctx context.Context, limit int) ([]Run, error)
	Get(ctx context.Context, id string) (*Run, error)
	Close() error
}

// Options configures Open. DSN is backend-specific: a filesystem path
// for sqlite, a libpq connection string for postgres, a clickhouse DSN
// for clickhouse.
type Options struct {
	Backend Backend
	DSN     string
}

// Open constructs a Store for opts.Backend, creating the backing table
// if it does not already exist.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		return openSQLite(ctx, opts.DSN)
	case BackendPostgres:
		return openBun(ctx, sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(opts.DSN))), pgdialect.New())
	case BackendClickHouse:
		return openClickHouse(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown history backend %q", opts.Backend)
	}
}

func openSQLite(ctx context.Context, path string) (Store, error) {
	if path == "" {
		path = defaultSQLitePath()
	}
	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite history store: %w", err)
	}
	return openBun(ctx, sqldb, sqlitedialect.New())
}

func openBun(ctx context.Context, sqldb *sql.DB, dialect bun.Dialect) (Store, error) {
	db := bun.NewDB(sqldb, dialect)
	if _, err := db.NewCreateTable().Model((*Run)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating uniprof_runs table: %w", err)
	}
	return &bunStore{db: db}, nil
}

type bunStore struct {
	db *bun.DB
}

func (s *bunStore) Append(ctx context.Context, run Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.NewInsert().Model(&run).Exec(ctx)
	if err != nil {
		log.Warn().Err(err).Str("runID", run.ID).Msg("history: failed to append run")
	}
	return err
}

func (s *bunStore) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []Run
	err := s.db.NewSelect().Model(&runs).OrderExpr("started_at DESC").Limit(limit).Scan(ctx)
	return runs, err
}

func (s *bunStore) Get(ctx context.Context, id string) (*Run, error) {
	run := new(Run)
	err := s.db.NewSelect().Model(run).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *bunStore) Close() error { return s.db.Close() }

func defaultSQLitePath() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "uniprof-history.db"
	}
	dir := cacheDir + "/uniprof"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "uniprof-history.db"
	}
	return dir + "/history.db"
}
