package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ratedash/internal/core"

	_ "modernc.org/sqlite"
)

// ErrNoSnapshot is returned when no workbook has been stored yet.
var ErrNoSnapshot = errors.New("no snapshot stored")

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewFromDB(db), nil
}

// NewFromDB wraps an already migrated database handle.
func NewFromDB(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks the database connection, used by readiness probes.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SaveSnapshot stores every table of wb in one transaction and returns the snapshot id.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, wb core.Workbook) (int64, error) {
	if wb.Empty() {
		return 0, core.ErrNoRows
	}
	loadedAt := wb.LoadedAt
	if loadedAt.IsZero() {
		loadedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (source, loaded_at, created_at) VALUES (?, ?, ?)`,
		wb.Source, loadedAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("snapshot id: %w", err)
	}

	rowStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO snapshot_rows (snapshot_id, table_name, row_index, cells) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare row insert: %w", err)
	}
	defer rowStmt.Close()

	for pos, t := range wb.Tables {
		if t == nil {
			continue
		}
		cols, err := json.Marshal(t.Columns)
		if err != nil {
			return 0, fmt.Errorf("encode columns of %s: %w", t.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_tables (snapshot_id, name, position, columns) VALUES (?, ?, ?, ?)`,
			id, t.Name, pos, string(cols)); err != nil {
			return 0, fmt.Errorf("insert table %s: %w", t.Name, err)
		}
		for i, row := range t.Rows {
			cells, err := json.Marshal([]string(row))
			if err != nil {
				return 0, fmt.Errorf("encode row %d of %s: %w", i, t.Name, err)
			}
			if _, err := rowStmt.ExecContext(ctx, id, t.Name, i, string(cells)); err != nil {
				return 0, fmt.Errorf("insert row %d of %s: %w", i, t.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	slog.InfoContext(ctx, "Snapshot saved to SQLite", "id", id, "source", wb.Source, "tables", len(wb.Tables))
	return id, nil
}

// LatestSnapshot loads the most recent workbook.
func (r *SQLiteRepository) LatestSnapshot(ctx context.Context) (core.Workbook, error) {
	var (
		id       int64
		source   string
		loadedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, source, loaded_at FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`).
		Scan(&id, &source, &loadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Workbook{}, ErrNoSnapshot
	}
	if err != nil {
		return core.Workbook{}, fmt.Errorf("get latest snapshot: %w", err)
	}

	tables, err := r.loadTables(ctx, id)
	if err != nil {
		return core.Workbook{}, err
	}
	return core.Workbook{Tables: tables, Source: source, LoadedAt: time.UnixMilli(loadedAt)}, nil
}

func (r *SQLiteRepository) loadTables(ctx context.Context, id int64) ([]*core.Table, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, columns FROM snapshot_tables WHERE snapshot_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("list snapshot tables: %w", err)
	}
	type header struct {
		name string
		cols []string
	}
	var headers []header
	for rows.Next() {
		var (
			h    header
			cols string
		)
		if err := rows.Scan(&h.name, &cols); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan snapshot table: %w", err)
		}
		if err := json.Unmarshal([]byte(cols), &h.cols); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode columns of %s: %w", h.name, err)
		}
		headers = append(headers, h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate snapshot tables: %w", err)
	}
	rows.Close()

	tables := make([]*core.Table, 0, len(headers))
	for _, h := range headers {
		records, err := r.loadRows(ctx, id, h.name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, core.NewTable(h.name, h.cols, records))
	}
	return tables, nil
}

func (r *SQLiteRepository) loadRows(ctx context.Context, id int64, table string) ([][]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT cells FROM snapshot_rows WHERE snapshot_id = ? AND table_name = ? ORDER BY row_index`, id, table)
	if err != nil {
		return nil, fmt.Errorf("list rows of %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan row of %s: %w", table, err)
		}
		var cells []string
		if err := json.Unmarshal([]byte(raw), &cells); err != nil {
			return nil, fmt.Errorf("decode row of %s: %w", table, err)
		}
		out = append(out, cells)
	}
	return out, rows.Err()
}

// LatestID returns the id of the most recent snapshot.
func (r *SQLiteRepository) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoSnapshot
	}
	if err != nil {
		return 0, fmt.Errorf("get latest snapshot id: %w", err)
	}
	return id, nil
}

// LatestAt returns when the most recent snapshot was created.
func (r *SQLiteRepository) LatestAt(ctx context.Context) (time.Time, error) {
	var created int64
	err := r.db.QueryRowContext(ctx, `SELECT created_at FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get latest snapshot time: %w", err)
	}
	return time.UnixMilli(created), nil
}

// Prune deletes all but the newest keep snapshots and returns how many were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const stale = `SELECT id FROM snapshots ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_rows WHERE snapshot_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("prune rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_tables WHERE snapshot_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("prune tables: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}
