package promote

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/eunmann/chunk-pipeline/pkg/manifest"
)

// SQLPromoter copies staged rows into production tables by chunk id. All
// tables and all chunks in the pass move in one transaction, then the
// staged copies are removed. Re-running the same pass is idempotent: the
// production insert is preceded by a delete of the same chunk ids, so a
// pass that half-finished before a crash repeats cleanly.
type SQLPromoter struct {
	db     *sql.DB
	tables []string
}

// NewSQLPromoter creates a promoter for the given production tables.
func NewSQLPromoter(db *sql.DB, tables []string) *SQLPromoter {
	return &SQLPromoter{db: db, tables: tables}
}

// PromoteChunks implements Promoter.
func (p *SQLPromoter) PromoteChunks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("promote chunks: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range p.tables {
		prod := pgx.Identifier{table}.Sanitize()
		staging := pgx.Identifier{manifest.StagingTableName(table)}.Sanitize()

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE apdb_replica_chunk = ANY($1)", prod), ids); err != nil {
			return fmt.Errorf("promote chunks: clear %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s SELECT * FROM %s WHERE apdb_replica_chunk = ANY($1)",
			prod, staging), ids); err != nil {
			return fmt.Errorf("promote chunks: copy into %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE apdb_replica_chunk = ANY($1)", staging), ids); err != nil {
			return fmt.Errorf("promote chunks: drop staged rows of %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("promote chunks: commit: %w", err)
	}
	return nil
}
