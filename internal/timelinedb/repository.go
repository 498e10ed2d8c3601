// Package timelinedb persists the playout timeline in SQLite.
package timelinedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"playout/internal/playout"
)

// Repository is a playout.TimelineRepository backed by a SQLite file.
// Boundaries are stored as unix seconds for queries and as canonical
// local text for operators reading the table.
type Repository struct {
	db   *sql.DB
	path string
	loc  *time.Location
}

var _ playout.TimelineRepository = (*Repository)(nil)

// Open connects to the database at path and applies pending migrations.
// Entries read back are expressed in loc.
func Open(path string, loc *time.Location) (*Repository, error) {
	if loc == nil {
		loc = time.Local
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	r := &Repository{db: db, path: path, loc: loc}
	if err := r.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Path is the database file.
func (r *Repository) Path() string { return r.path }

const selectColumns = `SELECT id, asset_name, asset_format, start_unix, end_unix, priority FROM timeline_entries`

// Insert implements playout.TimelineRepository.
func (r *Repository) Insert(ctx context.Context, e playout.Entry) (playout.EntryID, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO timeline_entries (
            asset_name, asset_format, start_at, end_at, start_unix, end_unix, priority
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AssetName,
		e.AssetFormat,
		r.format(e.Start),
		r.format(e.End),
		e.Start.Unix(),
		e.End.Unix(),
		e.Priority,
	)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return playout.EntryID(id), nil
}

// Update implements playout.TimelineRepository.
func (r *Repository) Update(ctx context.Context, e playout.Entry) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE timeline_entries SET
            asset_name = ?, asset_format = ?, start_at = ?, end_at = ?,
            start_unix = ?, end_unix = ?, priority = ?
        WHERE id = ?`,
		e.AssetName,
		e.AssetFormat,
		r.format(e.Start),
		r.format(e.End),
		e.Start.Unix(),
		e.End.Unix(),
		e.Priority,
		int64(e.ID),
	)
	if err != nil {
		return false, fmt.Errorf("update entry %d: %w", e.ID, err)
	}
	return affected(res)
}

// Delete implements playout.TimelineRepository.
func (r *Repository) Delete(ctx context.Context, id playout.EntryID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM timeline_entries WHERE id = ?`, int64(id))
	if err != nil {
		return false, fmt.Errorf("delete entry %d: %w", id, err)
	}
	return affected(res)
}

// Get implements playout.TimelineRepository.
func (r *Repository) Get(ctx context.Context, id playout.EntryID) (playout.Entry, bool, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, int64(id))
	e, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return playout.Entry{}, false, nil
	}
	if err != nil {
		return playout.Entry{}, false, fmt.Errorf("get entry %d: %w", id, err)
	}
	return e, true, nil
}

// QueryOverlap implements playout.TimelineRepository. Stored boundaries are
// whole seconds, so fractional bounds are rounded inwards.
func (r *Repository) QueryOverlap(ctx context.Context, start, end time.Time) ([]playout.Entry, error) {
	return r.query(ctx, selectColumns+` WHERE start_unix <= ? AND end_unix >= ? ORDER BY start_unix, id`,
		end.Unix(), ceilUnix(start))
}

// QueryFuture implements playout.TimelineRepository.
func (r *Repository) QueryFuture(ctx context.Context, now time.Time) ([]playout.Entry, error) {
	return r.query(ctx, selectColumns+` WHERE start_unix > ? ORDER BY start_unix, id`, now.Unix())
}

// QueryEnded implements playout.TimelineRepository.
func (r *Repository) QueryEnded(ctx context.Context, before time.Time) ([]playout.Entry, error) {
	return r.query(ctx, selectColumns+` WHERE end_unix < ? ORDER BY start_unix, id`, ceilUnix(before))
}

// List implements playout.TimelineRepository.
func (r *Repository) List(ctx context.Context) ([]playout.Entry, error) {
	return r.query(ctx, selectColumns+` ORDER BY start_unix, id`)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]playout.Entry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []playout.Entry
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scan(s scanner) (playout.Entry, error) {
	var (
		e          playout.Entry
		id         int64
		start, end int64
	)
	if err := s.Scan(&id, &e.AssetName, &e.AssetFormat, &start, &end, &e.Priority); err != nil {
		return playout.Entry{}, err
	}
	e.ID = playout.EntryID(id)
	e.Start = time.Unix(start, 0).In(r.loc)
	e.End = time.Unix(end, 0).In(r.loc)
	return e, nil
}

func (r *Repository) format(t time.Time) string {
	return t.In(r.loc).Format(playout.TimestampLayout)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ceilUnix is t in unix seconds, rounded up.
func ceilUnix(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}
