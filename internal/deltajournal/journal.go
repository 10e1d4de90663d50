// Package deltajournal buffers per-epoch reputation Delta records and
// flushes them as a single batch insert, mirroring
// TRS.insert_reputation_difference/finalize_reputation_insertions in the
// original engine.
package deltajournal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/witnet/explorer-trs/pkg/models"
)

// ReputationSink is the external store the journal flushes into — the
// `reputation` append-only table from spec §6. Implemented by internal/db.
type ReputationSink interface {
	InsertReputationDeltas(ctx context.Context, batchID uuid.UUID, deltas []models.Delta) error
}

// Journal is an in-memory write-buffer. Append is synchronous and never
// fails; Flush performs one batch insert and clears the buffer. Not
// transactional with the snapshot store (spec §4.4).
type Journal struct {
	sink   ReputationSink
	buffer []models.Delta
}

func New(sink ReputationSink) *Journal {
	return &Journal{sink: sink}
}

// Append buffers a delta in insertion order.
func (j *Journal) Append(d models.Delta) {
	j.buffer = append(j.buffer, d)
}

// Pending returns the currently buffered, unflushed deltas.
func (j *Journal) Pending() []models.Delta {
	return j.buffer
}

// Flush performs a single batch insert of the buffered deltas and clears
// the buffer on success. On failure the buffer is left intact so a retry
// does not lose records (spec §5's cancellation note).
func (j *Journal) Flush(ctx context.Context) error {
	if len(j.buffer) == 0 {
		return nil
	}
	if j.sink == nil {
		return fmt.Errorf("delta journal flush: no reputation sink configured")
	}
	batchID := uuid.New()
	if err := j.sink.InsertReputationDeltas(ctx, batchID, j.buffer); err != nil {
		return fmt.Errorf("flushing %d deltas (batch %s): %w", len(j.buffer), batchID, err)
	}
	j.buffer = j.buffer[:0]
	return nil
}
