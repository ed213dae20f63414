// Package tracker applies chunk status events to the chunk registry.
//
// Events arrive at-least-once and possibly out of order; the tracker is
// the only writer that goes through the bus, so it is deliberately
// forgiving: malformed events are dropped, registry failures are logged
// and swallowed, and an update racing ahead of its insert is a warning,
// not an error.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eunmann/chunk-pipeline/internal/logctx"
	"github.com/eunmann/chunk-pipeline/pkg/bus"
	"github.com/eunmann/chunk-pipeline/pkg/metrics"
	"github.com/eunmann/chunk-pipeline/pkg/registry"
)

// Operations a status event may carry.
const (
	OpInsert = "insert"
	OpUpdate = "update"
)

// Event is the status-event wire format.
type Event struct {
	Operation string         `json:"operation"`
	ChunkID   *int64         `json:"apdb_replica_chunk"`
	Values    map[string]any `json:"values"`
}

// Tracker consumes status events and applies them to the registry.
type Tracker struct {
	reg registry.Registry
}

// New creates a Tracker.
func New(reg registry.Registry) *Tracker {
	return &Tracker{reg: reg}
}

// Handle processes one status event delivery. It always acks: malformed
// messages never become valid on redelivery, and registry failures are an
// operator concern surfaced through logs and metrics, not through the bus.
func (t *Tracker) Handle(ctx context.Context, body []byte) bus.Verdict {
	logger := logctx.FromContext(ctx)

	ev, err := decodeEvent(body)
	if err != nil {
		logger.Error().Err(err).Str("payload", string(body)).Msg("malformed status event, dropping")
		metrics.EventsDropped.WithLabelValues("tracker").Inc()
		return bus.Ack
	}

	chunkID := *ev.ChunkID
	logger = logger.With().Int64("chunk_id", chunkID).Str("operation", ev.Operation).Logger()
	logger.Info().Interface("values", ev.Values).Msg("received status event")

	fields := registry.Fields(ev.Values)

	switch ev.Operation {
	case OpInsert:
		if err := t.reg.Insert(ctx, chunkID, fields); err != nil {
			if errors.Is(err, registry.ErrDuplicateChunk) {
				// Double-triggered staging attempt; worth a loud log.
				logger.Error().Err(err).Msg("duplicate chunk insert")
			} else {
				logger.Error().Err(err).Str("payload", string(body)).Msg("chunk insert failed")
			}
			metrics.RegistryFailures.WithLabelValues(OpInsert).Inc()
		}
	case OpUpdate:
		affected, err := t.reg.Update(ctx, chunkID, fields)
		if err != nil {
			logger.Error().Err(err).Str("payload", string(body)).Msg("chunk update failed")
			metrics.RegistryFailures.WithLabelValues(OpUpdate).Inc()
		} else if affected == 0 {
			logger.Warn().Msg("chunk update affected no rows")
		}
	}

	return bus.Ack
}

// decodeEvent parses and validates a status event.
func decodeEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal status event: %w", err)
	}

	if ev.Operation == "" {
		return Event{}, errors.New("missing 'operation' key")
	}
	if ev.Operation != OpInsert && ev.Operation != OpUpdate {
		return Event{}, fmt.Errorf("unsupported operation: %s", ev.Operation)
	}
	if len(ev.Values) == 0 {
		return Event{}, errors.New("missing or empty 'values'")
	}
	if ev.ChunkID == nil {
		return Event{}, errors.New("missing 'apdb_replica_chunk'")
	}
	return ev, nil
}
