// Package registry tracks the lifecycle of replica chunks.
//
// Each chunk produced by the upstream replication source gets exactly one
// record here. Records move forward through pending -> staged -> promoted;
// the registry is the authority on which staged chunks may be promoted
// next without leaving a gap in the promoted prefix.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a chunk.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStaged   Status = "staged"
	StatusPromoted Status = "promoted"
	StatusFailed   Status = "failed"
)

// statusRank orders statuses for the forward-only transition check.
// Failed ranks with pending so a failed chunk can be re-staged.
var statusRank = map[Status]int{
	StatusPending:  0,
	StatusFailed:   0,
	StatusStaged:   1,
	StatusPromoted: 2,
}

// ValidStatus reports whether s is a known chunk status.
func ValidStatus(s Status) bool {
	_, ok := statusRank[s]
	return ok
}

// Chunk is one tracked replica chunk.
type Chunk struct {
	ID             int64
	Status         Status
	StagedAt       *time.Time
	PromotedAt     *time.Time
	SourceLocation string
}

var (
	// ErrDuplicateChunk signals an insert for an id that already exists.
	// Duplicate inserts are a bug signal (double-triggered staging), not
	// something to merge silently.
	ErrDuplicateChunk = errors.New("chunk already exists")

	// ErrNoPromotableChunks signals an empty promotable set. Callers treat
	// this as a no-op, not a failure.
	ErrNoPromotableChunks = errors.New("no promotable chunks")
)

// Fields is a partial set of chunk columns to apply on insert or update,
// keyed by column name as it appears in status events.
type Fields map[string]any

// Recognized field keys.
const (
	FieldStatus         = "status"
	FieldStagedAt       = "staged_at"
	FieldPromotedAt     = "promoted_at"
	FieldSourceLocation = "source_location"
)

// Validate checks that every key is a known column, that a status value
// parses to a known status, and that timestamp values parse.
func (f Fields) Validate() error {
	for k, v := range f {
		switch k {
		case FieldStatus:
			s, ok := v.(string)
			if !ok || !ValidStatus(Status(s)) {
				return fmt.Errorf("invalid status value %v", v)
			}
		case FieldStagedAt, FieldPromotedAt:
			if _, ok := parseTime(v); !ok {
				return fmt.Errorf("invalid %s value %v", k, v)
			}
		case FieldSourceLocation:
		default:
			return fmt.Errorf("unknown field %q", k)
		}
	}
	return nil
}

// Status returns the status field if present.
func (f Fields) Status() (Status, bool) {
	v, ok := f[FieldStatus]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return Status(s), ok
}

// Time returns the named timestamp field if present and valid.
func (f Fields) Time(key string) (time.Time, bool) {
	v, ok := f[key]
	if !ok {
		return time.Time{}, false
	}
	return parseTime(v)
}

// parseTime accepts the wire form (RFC3339 string) and time.Time values.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// contiguousRun keeps the prefix of the ascending staged ids that starts
// exactly at next and has no gaps. An empty result means the frontier
// chunk is not staged yet, so nothing may be promoted.
func contiguousRun(staged []int64, next int64) []int64 {
	var run []int64
	for _, id := range staged {
		if id != next {
			break
		}
		run = append(run, id)
		next++
	}
	return run
}

// Registry is the durable chunk store.
//
// Insert and Update must be atomic: two concurrent inserts for the same id
// produce exactly one success and one ErrDuplicateChunk.
type Registry interface {
	// Insert creates the record for id. Returns ErrDuplicateChunk if the
	// id already exists.
	Insert(ctx context.Context, id int64, fields Fields) error

	// Update merges fields into an existing record and returns the number
	// of rows affected (0 or 1). A missing id is not an error: the caller
	// gets (0, nil) and logs a warning, tolerating a status event that
	// raced ahead of its insert. A status change that would move the chunk
	// backwards also affects zero rows; transitions are forward-only.
	Update(ctx context.Context, id int64, fields Fields) (int64, error)

	// GetPromotableChunks returns the ordered contiguous run of staged
	// chunk ids immediately following the highest promoted id. Returns
	// ErrNoPromotableChunks when the run is empty.
	GetPromotableChunks(ctx context.Context) ([]int64, error)

	// MarkChunksPromoted sets status=promoted and promoted_at for exactly
	// the given ids in a single transaction and returns the count updated.
	MarkChunksPromoted(ctx context.Context, ids []int64) (int64, error)
}

// PromotionLock serializes promotion passes across processes. TryAcquire
// never blocks: a held lock returns ok=false so the caller can report a
// busy no-op instead of stacking a second pass.
type PromotionLock interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}
