package reputation

import (
	"context"

	"github.com/witnet/explorer-trs/pkg/models"
)

// Logger is the narrow capability the engine needs for informational
// logging. Passing nil disables logging entirely — logging must never
// affect state transitions (spec §7).
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// DeltaJournal buffers per-epoch reputation changes and flushes them to an
// external tabular store in one batch. The engine treats it as an injected
// capability (spec §9: "file I/O → injected store").
type DeltaJournal interface {
	Append(d models.Delta)
	Flush(ctx context.Context) error
}

// SnapshotStore persists the full Snapshot quintuple. The only source of
// truth for crash recovery (spec §4.1).
type SnapshotStore interface {
	Persist(ctx context.Context, snap models.Snapshot) error
}

// TRSSink writes the external `trs` table row for an epoch (spec §6: "a
// single-row insert on trs per update"). Implemented by internal/idmap's
// Mapper, which resolves addresses to ids before handing the row to
// internal/db.
type TRSSink interface {
	PersistRow(ctx context.Context, epoch uint32, identities map[string]uint64) error
}

// UpdateResult carries the per-epoch accounting figures a caller (or test)
// may want to assert on, mirroring the statistics the original Python
// engine logged inline.
type UpdateResult struct {
	NewWitnessingActs uint64
	Expired           uint64
	Issued            uint64
	Penalized         uint64
	Total             uint64
	PerIdentity       uint64
	Distributed       []string
}
