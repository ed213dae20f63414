// Package stage implements the staging job: it reads a chunk's manifest,
// loads each non-empty table's columnar file into that table's staging
// variant, and announces the staged chunk on the bus.
//
// The job is the process the job-execution service launches; it runs once
// per invocation and propagates every failure so the whole attempt can be
// retried from the top. Re-running a chunk is safe because the loader uses
// replace-chunk semantics.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eunmann/chunk-pipeline/internal/logctx"
	"github.com/eunmann/chunk-pipeline/pkg/bus"
	"github.com/eunmann/chunk-pipeline/pkg/manifest"
	"github.com/eunmann/chunk-pipeline/pkg/metrics"
	"github.com/eunmann/chunk-pipeline/pkg/objstore"
)

// ManifestSource fetches a chunk's manifest.
type ManifestSource interface {
	FetchManifest(ctx context.Context, bucket, prefix string, chunkID int64) (*manifest.Manifest, error)
}

// TableOpener opens one table's columnar file as a row source.
type TableOpener interface {
	OpenTable(ctx context.Context, bucket, key string) (RowSource, error)
}

// S3TableOpener opens parquet table files downloaded from S3.
type S3TableOpener struct {
	Downloader *objstore.Downloader
}

// OpenTable implements TableOpener.
func (o *S3TableOpener) OpenTable(ctx context.Context, bucket, key string) (RowSource, error) {
	f, err := o.Downloader.Download(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	rows, err := NewParquetRows(f, f.Size(), f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open table s3://%s/%s: %w", bucket, key, err)
	}
	return rows, nil
}

// Job stages one chunk.
type Job struct {
	manifests   ManifestSource
	tables      TableOpener
	loader      Loader
	pub         bus.Publisher
	statusQueue string
}

// NewJob creates a staging job.
func NewJob(manifests ManifestSource, tables TableOpener, loader Loader, pub bus.Publisher, statusQueue string) *Job {
	return &Job{
		manifests:   manifests,
		tables:      tables,
		loader:      loader,
		pub:         pub,
		statusQueue: statusQueue,
	}
}

// Run stages the chunk found under folder (an s3://bucket/prefix URL).
// Every error aborts the attempt; the external retry mechanism restarts it
// from scratch.
func (j *Job) Run(ctx context.Context, chunkID int64, folder string) error {
	ctx = logctx.WithChunk(ctx, chunkID)
	logger := logctx.FromContext(ctx)

	bucket, prefix, err := objstore.ParseLocation(folder)
	if err != nil {
		return err
	}

	man, err := j.manifests.FetchManifest(ctx, bucket, prefix, chunkID)
	if err != nil {
		return fmt.Errorf("stage chunk %d: %w", chunkID, err)
	}
	logger.Info().Strs("tables", man.Tables()).Msg("manifest loaded")

	for _, table := range man.Tables() {
		td := man.TableData[table]
		if td.RowCount == 0 {
			logger.Info().Str("table", table).Msg("skipping empty table")
			continue
		}

		key := manifest.TableFileKey(prefix, table)
		rows, err := j.tables.OpenTable(ctx, bucket, key)
		if err != nil {
			return fmt.Errorf("stage chunk %d table %s: %w", chunkID, table, err)
		}

		loaded, err := j.loader.Replace(ctx, table, chunkID, rows)
		rows.Close()
		if err != nil {
			return fmt.Errorf("stage chunk %d table %s: %w", chunkID, table, err)
		}

		logger.Info().
			Str("table", table).
			Str("staging_table", manifest.StagingTableName(table)).
			Int64("rows", loaded).
			Msg("table staged")
	}

	if err := j.publishStaged(ctx, chunkID); err != nil {
		// A chunk that loaded but never announced itself is a failed
		// chunk: the tracker will never see it, so fail the whole job.
		return fmt.Errorf("stage chunk %d: publish status: %w", chunkID, err)
	}

	logger.Info().Msg("chunk staged")
	metrics.ChunksStaged.Inc()
	return nil
}

// publishStaged emits the single "chunk staged" status event, retrying
// transient publish failures briefly before giving up.
func (j *Job) publishStaged(ctx context.Context, chunkID int64) error {
	payload, err := json.Marshal(map[string]any{
		"operation":          "update",
		"apdb_replica_chunk": chunkID,
		"values":             map[string]string{"status": "staged"},
	})
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	op := func() error {
		return j.pub.Publish(ctx, j.statusQueue, payload)
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
