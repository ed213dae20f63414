package stage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/eunmann/chunk-pipeline/pkg/manifest"
)

// Loader writes a table's rows into its staging variant. Replace is
// idempotent per (table, chunk): rows from an earlier attempt for the same
// chunk are removed before the new rows land, so a redelivered staging job
// cannot duplicate staged data.
type Loader interface {
	Replace(ctx context.Context, table string, chunkID int64, rows RowSource) (int64, error)
}

// chunkColumn is the staging-table column identifying which chunk a row
// belongs to. Staging tables must pre-exist with this column; the loader
// never creates schema.
const chunkColumn = "apdb_replica_chunk"

// PostgresLoader loads rows into `_<table>_staging` warehouse tables.
type PostgresLoader struct {
	db *sql.DB
}

// NewPostgresLoader creates a loader over an open warehouse handle.
func NewPostgresLoader(db *sql.DB) *PostgresLoader {
	return &PostgresLoader{db: db}
}

// Replace implements Loader. The delete and all inserts run in one
// transaction: a failed load leaves the previous attempt's rows intact.
func (l *PostgresLoader) Replace(ctx context.Context, table string, chunkID int64, rows RowSource) (int64, error) {
	staging := manifest.StagingTableName(table)
	stagingIdent := pgx.Identifier{staging}.Sanitize()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("load %s: begin: %w", staging, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = $1", stagingIdent, chunkColumn),
		chunkID); err != nil {
		return 0, fmt.Errorf("load %s: clear previous attempt: %w", staging, err)
	}

	columns := append(append([]string{}, rows.Columns()...), chunkColumn)
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		stagingIdent, strings.Join(quoted, ", "), strings.Join(placeholders, ", ")))
	if err != nil {
		return 0, fmt.Errorf("load %s: prepare insert: %w", staging, err)
	}
	defer stmt.Close()

	var count int64
	for {
		vals, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", staging, err)
		}
		args := append(vals, chunkID)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("load %s row %d: %w", staging, count, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("load %s: commit: %w", staging, err)
	}
	return count, nil
}
