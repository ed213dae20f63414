package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Expected table, created by the deployment, never by this code:
//
//	CREATE TABLE chunks (
//	    apdb_replica_chunk BIGINT PRIMARY KEY,
//	    status             TEXT NOT NULL DEFAULT 'pending',
//	    staged_at          TIMESTAMPTZ,
//	    promoted_at        TIMESTAMPTZ,
//	    source_location    TEXT NOT NULL DEFAULT '',
//	    last_updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);

// promotionLockID is the advisory lock key shared by every promotion pass
// against the same database.
const promotionLockID int64 = 0x70726f6d // "prom"

const uniqueViolation = "23505"

// PostgresRegistry is the production Registry backed by Postgres.
type PostgresRegistry struct {
	db *sql.DB
}

// OpenPostgres opens the chunk tracking database and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chunk database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping chunk database: %w", err)
	}
	return &PostgresRegistry{db: db}, nil
}

// Close releases the connection pool.
func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

// DB exposes the underlying pool. The staging loader and the promoter run
// against the same database and share it.
func (r *PostgresRegistry) DB() *sql.DB {
	return r.db
}

// Insert creates the record for id. A primary-key conflict maps to
// ErrDuplicateChunk.
func (r *PostgresRegistry) Insert(ctx context.Context, id int64, fields Fields) error {
	if err := fields.Validate(); err != nil {
		return fmt.Errorf("insert chunk %d: %w", id, err)
	}

	status := StatusPending
	if s, ok := fields.Status(); ok {
		status = s
	}
	source := ""
	if v, ok := fields[FieldSourceLocation].(string); ok {
		source = v
	}
	var stagedAt, promotedAt any
	if t, ok := fields.Time(FieldStagedAt); ok {
		stagedAt = t
	}
	if t, ok := fields.Time(FieldPromotedAt); ok {
		promotedAt = t
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chunks (apdb_replica_chunk, status, source_location,
		                    staged_at, promoted_at, last_updated_at)
		VALUES ($1, $2, $3,
		        COALESCE($4::timestamptz, CASE WHEN $2 = 'staged' THEN now() END),
		        COALESCE($5::timestamptz, CASE WHEN $2 = 'promoted' THEN now() END),
		        now())`,
		id, string(status), source, stagedAt, promotedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert chunk %d: %w", id, ErrDuplicateChunk)
		}
		return fmt.Errorf("insert chunk %d: %w", id, err)
	}
	return nil
}

// Update merges fields into an existing record. Rows affected is 0 when the
// id is absent or the status change would be a regression; the status guard
// lives in the WHERE clause so the check and the write are one statement.
func (r *PostgresRegistry) Update(ctx context.Context, id int64, fields Fields) (int64, error) {
	if err := fields.Validate(); err != nil {
		return 0, fmt.Errorf("update chunk %d: %w", id, err)
	}
	if len(fields) == 0 {
		return 0, nil
	}

	set := []string{"last_updated_at = now()"}
	args := []any{id}
	n := 2

	status, hasStatus := fields.Status()
	if hasStatus {
		set = append(set, fmt.Sprintf("status = $%d", n))
		args = append(args, string(status))
		n++
	}

	// staged_at and promoted_at are set exactly once. An explicit timestamp
	// in the event wins over the registry clock; otherwise a status
	// transition fills the matching timestamp.
	if t, ok := fields.Time(FieldStagedAt); ok {
		set = append(set, fmt.Sprintf("staged_at = COALESCE(staged_at, $%d)", n))
		args = append(args, t)
		n++
	} else if hasStatus {
		set = append(set, "staged_at = CASE WHEN $2 = 'staged' THEN COALESCE(staged_at, now()) ELSE staged_at END")
	}
	if t, ok := fields.Time(FieldPromotedAt); ok {
		set = append(set, fmt.Sprintf("promoted_at = COALESCE(promoted_at, $%d)", n))
		args = append(args, t)
		n++
	} else if hasStatus {
		set = append(set, "promoted_at = CASE WHEN $2 = 'promoted' THEN COALESCE(promoted_at, now()) ELSE promoted_at END")
	}

	if v, ok := fields[FieldSourceLocation].(string); ok {
		set = append(set, fmt.Sprintf("source_location = $%d", n))
		args = append(args, v)
		n++
	}

	query := fmt.Sprintf("UPDATE chunks SET %s WHERE apdb_replica_chunk = $1",
		strings.Join(set, ", "))
	if hasStatus {
		// Forward-only transitions: the rank guard makes a regressing
		// update affect zero rows instead of rewinding the chunk.
		query += `
		  AND CASE status WHEN 'promoted' THEN 2 WHEN 'staged' THEN 1 ELSE 0 END
		   <= CASE $2 WHEN 'promoted' THEN 2 WHEN 'staged' THEN 1 ELSE 0 END`
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update chunk %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update chunk %d: %w", id, err)
	}
	return affected, nil
}

// GetPromotableChunks computes the contiguous staged run after the highest
// promoted id, inside one statement so the view is consistent. The frontier
// values come back with every row so the Go-side walk can anchor the run:
// a staged chunk that does not sit directly on the frontier is not
// promotable, however many staged chunks follow it. With nothing promoted
// yet, the anchor is the lowest known chunk id regardless of status.
func (r *PostgresRegistry) GetPromotableChunks(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH frontier AS (
		    SELECT COALESCE(MAX(apdb_replica_chunk) FILTER (WHERE status = 'promoted'), 0) AS max_promoted,
		           COUNT(*) FILTER (WHERE status = 'promoted') > 0 AS any_promoted,
		           COALESCE(MIN(apdb_replica_chunk), 0) AS min_known
		    FROM chunks
		)
		SELECT c.apdb_replica_chunk, f.max_promoted, f.any_promoted, f.min_known
		FROM chunks c, frontier f
		WHERE c.status = 'staged'
		  AND (NOT f.any_promoted OR c.apdb_replica_chunk > f.max_promoted)
		ORDER BY c.apdb_replica_chunk`)
	if err != nil {
		return nil, fmt.Errorf("query promotable chunks: %w", err)
	}
	defer rows.Close()

	var staged []int64
	var maxPromoted, minKnown int64
	var anyPromoted bool
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id, &maxPromoted, &anyPromoted, &minKnown); err != nil {
			return nil, fmt.Errorf("scan promotable chunk: %w", err)
		}
		staged = append(staged, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read promotable chunks: %w", err)
	}

	next := minKnown
	if anyPromoted {
		next = maxPromoted + 1
	}
	run := contiguousRun(staged, next)
	if len(run) == 0 {
		return nil, ErrNoPromotableChunks
	}
	return run, nil
}

// MarkChunksPromoted promotes exactly the given ids in one transaction.
// If any id is not currently staged the whole call rolls back, so a partial
// failure can never leave a gap in the promoted prefix.
func (r *PostgresRegistry) MarkChunksPromoted(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark promoted: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE chunks
		SET status = 'promoted',
		    promoted_at = COALESCE(promoted_at, now()),
		    last_updated_at = now()
		WHERE apdb_replica_chunk = ANY($1) AND status = 'staged'`, ids)
	if err != nil {
		return 0, fmt.Errorf("mark promoted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark promoted: %w", err)
	}
	if affected != int64(len(ids)) {
		return 0, fmt.Errorf("mark promoted: expected %d chunks, updated %d", len(ids), affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark promoted: commit: %w", err)
	}
	return affected, nil
}

// TryAcquire implements PromotionLock with a Postgres advisory lock. The
// lock is session-scoped, so it pins a dedicated connection until release.
func (r *PostgresRegistry) TryAcquire(ctx context.Context) (func(), bool, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("promotion lock: %w", err)
	}

	var got bool
	if err := conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1)", promotionLockID).Scan(&got); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("promotion lock: %w", err)
	}
	if !got {
		conn.Close()
		return nil, false, nil
	}

	release := func() {
		conn.ExecContext(context.Background(),
			"SELECT pg_advisory_unlock($1)", promotionLockID)
		conn.Close()
	}
	return release, true, nil
}
