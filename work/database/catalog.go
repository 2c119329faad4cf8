package database

import (
	"context"
	"database/sql"
	"fmt"

	"iptv-gate/work/types"
)

const catalogColumns = "id, stream_id, name, logo, url, group_name, country, kind, position"

// CatalogFilter narrows playlist queries. Empty fields match everything.
type CatalogFilter struct {
	Kind    types.ContentKind
	Group   string
	Country string
}

// ReplaceCatalog swaps the stored catalog for one kind with a freshly
// ingested set of entries, in a single transaction so readers never see a
// half-replaced catalog.
func (db *DB) ReplaceCatalog(ctx context.Context, kind types.ContentKind, entries []types.CatalogEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM catalog WHERE kind = ?", string(kind)); err != nil {
		return fmt.Errorf("failed to clear catalog: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog (stream_id, name, logo, url, group_name, country, kind, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare catalog insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		_, err := stmt.ExecContext(ctx, e.StreamID, e.Name, e.Logo, e.URL,
			e.Group, e.Country, string(kind), i)
		if err != nil {
			return fmt.Errorf("failed to insert catalog entry %q: %w", e.StreamID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog: %w", err)
	}
	return nil
}

// ListCatalog returns catalog entries matching the filter, in ingestion
// order within each kind.
func (db *DB) ListCatalog(ctx context.Context, filter CatalogFilter) ([]types.CatalogEntry, error) {
	query := "SELECT " + catalogColumns + " FROM catalog WHERE 1=1"
	var args []interface{}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Group != "" {
		query += " AND group_name = ?"
		args = append(args, filter.Group)
	}
	if filter.Country != "" {
		query += " AND country = ?"
		args = append(args, filter.Country)
	}
	query += " ORDER BY kind, position"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	defer rows.Close()

	var entries []types.CatalogEntry
	for rows.Next() {
		e, err := scanCatalogEntry(rows.Scan)
		if err != nil {
			continue
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetEntryByStreamID resolves one catalog entry for the relay path, or nil
// when the stream is unknown.
func (db *DB) GetEntryByStreamID(ctx context.Context, kind types.ContentKind, streamID string) (*types.CatalogEntry, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+catalogColumns+" FROM catalog WHERE kind = ? AND stream_id = ?",
		string(kind), streamID)

	e, err := scanCatalogEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog entry: %w", err)
	}
	return e, nil
}

// CatalogCounts returns the number of stored entries per content kind.
func (db *DB) CatalogCounts(ctx context.Context) (map[types.ContentKind]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM catalog GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to count catalog: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.ContentKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			continue
		}
		counts[types.ContentKind(kind)] = n
	}
	return counts, rows.Err()
}

func scanCatalogEntry(scan func(...interface{}) error) (*types.CatalogEntry, error) {
	var e types.CatalogEntry
	var kind string

	err := scan(&e.ID, &e.StreamID, &e.Name, &e.Logo, &e.URL, &e.Group, &e.Country, &kind, &e.Position)
	if err != nil {
		return nil, err
	}
	e.Kind = types.ContentKind(kind)
	return &e, nil
}
