// Package promote moves staged chunks into production, strictly in id
// order and only when every earlier chunk is already promoted.
package promote

import (
	"context"
	"errors"

	"github.com/eunmann/chunk-pipeline/internal/logctx"
	"github.com/eunmann/chunk-pipeline/pkg/metrics"
	"github.com/eunmann/chunk-pipeline/pkg/registry"
)

// Promoter copies a chunk's staged rows into the production tables. The
// coordinator passes the ids in ascending order and never subsets them.
// Promoter implementations are assumed idempotent: a re-run after a
// partial failure must be safe.
type Promoter interface {
	PromoteChunks(ctx context.Context, ids []int64) error
}

// Result is the outcome of one promotion pass. An empty promotable set is
// a successful no-op, not an error.
type Result struct {
	Ok             bool   `json:"ok"`
	Mode           string `json:"mode,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	ChunksPromoted int64  `json:"chunks_promoted"`
}

// Coordinator runs promotion passes.
type Coordinator struct {
	reg      registry.Registry
	lock     registry.PromotionLock
	promoter Promoter
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(reg registry.Registry, lock registry.PromotionLock, promoter Promoter) *Coordinator {
	return &Coordinator{reg: reg, lock: lock, promoter: promoter}
}

// Run executes one promotion pass. Two concurrent passes would compute the
// same promotable prefix and promote it twice, so the whole pass runs
// under the promotion lock; a pass that finds the lock held reports a busy
// no-op.
func (c *Coordinator) Run(ctx context.Context) Result {
	logger := logctx.FromContext(ctx)

	release, ok, err := c.lock.TryAcquire(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("promotion lock failed")
		return Result{Error: err.Error()}
	}
	if !ok {
		logger.Info().Msg("promotion already in progress")
		return Result{Ok: true, Mode: "busy", Message: "promotion already in progress"}
	}
	defer release()

	ids, err := c.reg.GetPromotableChunks(ctx)
	if err != nil {
		if errors.Is(err, registry.ErrNoPromotableChunks) {
			logger.Info().Msg("no promotable chunks found")
			return Result{Ok: true, Message: "no promotable chunks found"}
		}
		logger.Error().Err(err).Msg("promotable chunk query failed")
		return Result{Error: err.Error()}
	}

	logger.Info().Ints64("chunk_ids", ids).Msg("promoting chunks")

	if err := c.promoter.PromoteChunks(ctx, ids); err != nil {
		logger.Error().Err(err).Ints64("chunk_ids", ids).Msg("promotion failed")
		return Result{Error: err.Error()}
	}

	count, err := c.reg.MarkChunksPromoted(ctx, ids)
	if err != nil {
		// The promoter succeeded but the registry didn't record it. The
		// next pass recomputes the same prefix and the promoter's
		// idempotency absorbs the re-run.
		logger.Error().Err(err).Ints64("chunk_ids", ids).Msg("marking chunks promoted failed")
		return Result{Error: err.Error()}
	}

	logger.Info().Int64("chunks_promoted", count).Msg("promotion complete")
	metrics.ChunksPromoted.Add(float64(count))
	return Result{Ok: true, Mode: "execute", ChunksPromoted: count}
}
