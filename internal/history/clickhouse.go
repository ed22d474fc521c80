package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

// openClickHouse wires a clickhouse connection through database/sql and
// returns a clickhouseStore rather than the bunStore the sqlite and
// postgres backends share: bun has no dedicated clickhouse dialect, so
// runs are written with plain SQL through the clickhouse driver rather
// than through bun's query builder.
func openClickHouse(ctx context.Context, dsn string) (Store, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing clickhouse DSN: %w", err)
	}
	sqldb := clickhouse.OpenDB(opts)
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting to clickhouse: %w", err)
	}
	if _, err := sqldb.ExecContext(ctx, clickhouseSchema); err != nil {
		return nil, fmt.Errorf("creating uniprof_runs table: %w", err)
	}
	return &clickhouseStore{db: sqldb}, nil
}

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS uniprof_runs (
	id String,
	started_at DateTime,
	platform String,
	mode String,
	duration Float64,
	output_path String,
	top_hotspot String,
	top_percent Float64
) ENGINE = MergeTree ORDER BY (started_at, id)
`

type clickhouseStore struct {
	db *sql.DB
}

func (s *clickhouseStore) Append(ctx context.Context, run Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO uniprof_runs (id, started_at, platform, mode, duration, output_path, top_hotspot, top_percent) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		run.ID, run.StartedAt, run.Platform, run.Mode, run.Duration, run.OutputPath, run.TopHotspot, run.TopPercent)
	return err
}

func (s *clickhouseStore) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, started_at, platform, mode, duration, output_path, top_hotspot, top_percent FROM uniprof_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Platform, &r.Mode, &r.Duration, &r.OutputPath, &r.TopHotspot, &r.TopPercent); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *clickhouseStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, started_at, platform, mode, duration, output_path, top_hotspot, top_percent FROM uniprof_runs WHERE id = ?", id)
	var r Run
	if err := row.Scan(&r.ID, &r.StartedAt, &r.Platform, &r.Mode, &r.Duration, &r.OutputPath, &r.TopHotspot, &r.TopPercent); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *clickhouseStore) Close() error { return s.db.Close() }
