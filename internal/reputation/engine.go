// Package reputation implements the Total Reputation Set: a deterministic,
// epoch-indexed accounting engine for identities that earn reputation by
// honest witnessing, lose it to expiry and lying, and whose current
// reputation drives block-proposal eligibility (computed separately by
// package eligibility).
//
// The update cycle and its constants are a direct translation of
// witnet-explorer-backend's engine/trs.py: filter-honest, expire, issue,
// penalise, distribute, in that exact order — the order is part of the
// contract (spec §4.1).
package reputation

import (
	"context"
	"fmt"
	"math"

	"github.com/witnet/explorer-trs/pkg/models"
)

const (
	// issuanceStop is the ceiling on cumulative reputation issuance.
	issuanceStop uint64 = 1 << 20
	// penalisationFactor is the multiplicative retention applied per lie.
	penalisationFactor float64 = 0.5
	// reputationExpiration is the witnessing-act horizon before a newly
	// distributed packet expires.
	reputationExpiration uint64 = 20000
)

// Engine owns all reputation state for one TRS instance. It is
// single-threaded and non-reentrant: callers must serialise calls to
// Update externally (spec §5).
type Engine struct {
	witnessingActs uint64
	leftover       uint64
	expiryQueue    []models.ExpiryPacket
	epoch          uint32
	identities     map[string]uint64

	// firstUpdate is true only immediately after loading a persisted
	// snapshot, to reproduce the original engine's one-time sequential
	// sanity warning.
	firstUpdate bool

	maxDistributed uint64
	maxSlashed     uint64

	pendingDeltas []models.Delta

	journal DeltaJournal
	store   SnapshotStore
	trsSink TRSSink
	logger  Logger
}

// NewFresh constructs an engine with all-zero state, as the original does
// when no snapshot file is present or loadable (spec §4.3).
func NewFresh(journal DeltaJournal, store SnapshotStore, trsSink TRSSink, logger Logger) *Engine {
	return &Engine{
		identities: make(map[string]uint64),
		journal:    journal,
		store:      store,
		trsSink:    trsSink,
		logger:     logger,
	}
}

// NewFromSnapshot restores an engine from a previously persisted Snapshot.
// The restored engine expects its first Update to be sequentially close to
// snap.Epoch and logs a warning otherwise (supplemented feature, §4 of
// SPEC_FULL.md).
func NewFromSnapshot(snap models.Snapshot, journal DeltaJournal, store SnapshotStore, trsSink TRSSink, logger Logger) *Engine {
	identities := make(map[string]uint64, len(snap.Identities))
	for id, rep := range snap.Identities {
		identities[id] = rep
	}
	queue := make([]models.ExpiryPacket, len(snap.ReputationExpiry))
	for i, p := range snap.ReputationExpiry {
		amounts := make(map[string]uint64, len(p.Amounts))
		for id, amt := range p.Amounts {
			amounts[id] = amt
		}
		queue[i] = models.ExpiryPacket{Threshold: p.Threshold, Amounts: amounts}
	}
	return &Engine{
		witnessingActs: snap.WitnessingActs,
		leftover:       snap.LeftoverReputation,
		expiryQueue:    queue,
		epoch:          snap.Epoch,
		identities:     identities,
		firstUpdate:    true,
		journal:        journal,
		store:          store,
		trsSink:        trsSink,
		logger:         logger,
	}
}

func (e *Engine) debugf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Debugf(format, args...)
	}
}

func (e *Engine) warnf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Warnf(format, args...)
	}
}

// Epoch returns the last epoch the engine has processed.
func (e *Engine) Epoch() uint32 { return e.epoch }

// WitnessingActs returns the total witnessing acts observed since genesis.
func (e *Engine) WitnessingActs() uint64 { return e.witnessingActs }

// LeftoverReputation returns the reputation carried into the next epoch.
func (e *Engine) LeftoverReputation() uint64 { return e.leftover }

// Identities returns a defensive copy of the current identity map.
func (e *Engine) Identities() map[string]uint64 {
	out := make(map[string]uint64, len(e.identities))
	for id, rep := range e.identities {
		out[id] = rep
	}
	return out
}

// Stats returns the maximum single-identity reputation ever distributed and
// slashed, mirroring the original engine's print_statistics().
func (e *Engine) Stats() (maxDistributed, maxSlashed uint64) {
	return e.maxDistributed, e.maxSlashed
}

// Snapshot produces a value-copy Snapshot of the engine's current state,
// the only representation ever written to durable storage.
func (e *Engine) Snapshot() models.Snapshot {
	identities := make(map[string]uint64, len(e.identities))
	for id, rep := range e.identities {
		identities[id] = rep
	}
	queue := make([]models.ExpiryPacket, len(e.expiryQueue))
	for i, p := range e.expiryQueue {
		amounts := make(map[string]uint64, len(p.Amounts))
		for id, amt := range p.Amounts {
			amounts[id] = amt
		}
		queue[i] = models.ExpiryPacket{Threshold: p.Threshold, Amounts: amounts}
	}
	return models.Snapshot{
		WitnessingActs:     e.witnessingActs,
		LeftoverReputation: e.leftover,
		ReputationExpiry:   queue,
		Epoch:              e.epoch,
		Identities:         identities,
	}
}

// CheckInvariants verifies the testable properties of spec §8 that must
// hold at any epoch boundary: packet/identity-map balance, positive
// reputations, and expiry-queue ordering. Used by internal/reconcile and by
// tests; Update calls the sub-checks that matter inline so a violation
// aborts mid-cycle rather than being discovered later.
func (e *Engine) CheckInvariants() error {
	var identityTotal uint64
	for id, rep := range e.identities {
		if rep == 0 {
			return &InvariantViolationError{Msg: fmt.Sprintf("identity %s present with zero reputation after clean", id)}
		}
		identityTotal += rep
	}
	var packetTotal uint64
	for _, p := range e.expiryQueue {
		for _, amt := range p.Amounts {
			packetTotal += amt
		}
	}
	if identityTotal != packetTotal {
		return &InvariantViolationError{Msg: fmt.Sprintf("identity map total %d does not match expiry packet total %d", identityTotal, packetTotal)}
	}
	for i := 1; i < len(e.expiryQueue); i++ {
		if e.expiryQueue[i].Threshold < e.expiryQueue[i-1].Threshold {
			return &InvariantViolationError{Msg: "expiry queue is not ordered by threshold ascending"}
		}
	}
	return nil
}

func (e *Engine) appendDelta(identity string, epoch uint32, amount int64, kind models.DeltaKind) {
	d := models.Delta{Identity: identity, Epoch: epoch, Amount: amount, Kind: kind}
	e.pendingDeltas = append(e.pendingDeltas, d)
	if e.journal != nil {
		e.journal.Append(d)
	}
}

// Update advances the engine by one epoch. revealing, honest, errors and
// liars are multisets of identities represented as identity→multiplicity
// maps (spec §6: "the engine accesses only membership and multiplicity
// counts"). The thirteen-step order below is load-bearing (spec §4.1).
func (e *Engine) Update(ctx context.Context, epoch uint32, revealing, honest, errs, liars map[string]uint64) (UpdateResult, error) {
	if epoch <= e.epoch {
		return UpdateResult{}, &ProtocolMisuseError{Msg: fmt.Sprintf("update called with epoch %d <= last-seen epoch %d", epoch, e.epoch)}
	}

	if e.firstUpdate {
		if absDiffU32(e.epoch, epoch) > 10 {
			e.warnf("TRS loaded from snapshot at epoch %d, first update is at %d", e.epoch, epoch)
		}
		e.firstUpdate = false
	}

	storedEpoch := e.epoch
	e.pendingDeltas = e.pendingDeltas[:0]

	// Step 1: gap handling. A truly fresh engine (storedEpoch == 0, i.e. no
	// prior real update) never fabricates phantom cycles, matching the
	// original's `if self.epoch:` truthiness guard.
	if storedEpoch != 0 && epoch > storedEpoch+1 {
		if err := e.phantomExpiryCycle(ctx, storedEpoch+1); err != nil {
			return UpdateResult{}, err
		}
		if storedEpoch != 0 && epoch > storedEpoch+2 {
			e.debugf("%d -- %d leftover carried forward, no issuance for skipped epochs", storedEpoch+2, e.leftover)
		}
	}

	e.epoch = epoch

	// Step 2: honest filter.
	honestSet := make(map[string]struct{})
	for _, id := range sortedKeysU64(honest) {
		if liars[id] == 0 && honest[id] >= errs[id] {
			honestSet[id] = struct{}{}
		}
	}

	// Step 3: witnessing-act delta.
	var newWA uint64
	for _, n := range revealing {
		newWA += n
	}
	e.debugf("%d -- witnessing acts: total %d + new %d", e.epoch, e.witnessingActs, newWA)

	// Step 4: expire.
	expired, err := e.expireQueueFront(e.epoch)
	if err != nil {
		return UpdateResult{}, err
	}

	// Step 5: issue.
	issued := e.issueReputation(newWA)

	// Step 6: penalise liars.
	penalized, err := e.penalizeLiars(liars, e.epoch)
	if err != nil {
		return UpdateResult{}, err
	}

	// Step 7: compute total.
	total := e.leftover + expired + issued + penalized
	e.debugf("%d -- %d leftover + %d expired + %d issued + %d penalized = %d", e.epoch, e.leftover, expired, issued, penalized, total)

	// Step 8: distribute.
	perIdentity, distributed := e.distribute(total, honestSet, e.epoch)

	// Step 9: append expiry packet for this epoch's honest gains.
	if perIdentity > 0 && len(distributed) > 0 {
		amounts := make(map[string]uint64, len(distributed))
		for _, id := range distributed {
			amounts[id] = perIdentity
		}
		threshold := e.witnessingActs + newWA + reputationExpiration
		e.expiryQueue = append(e.expiryQueue, models.ExpiryPacket{Threshold: threshold, Amounts: amounts})
		if perIdentity > e.maxDistributed {
			e.maxDistributed = perIdentity
		}
	}

	// Step 10: leftover.
	e.leftover = total - perIdentity*uint64(len(distributed))

	// Step 11: advance counter.
	e.witnessingActs += newWA

	// Step 12: clean.
	e.clean()

	// Step 13: persist — flush the delta journal batch, write the snapshot
	// row for this epoch, then insert the external `trs` table row
	// (TRS.insert_trs, called unconditionally at the end of update()). A
	// crash partway through is safe (spec §4.1): on restart the caller
	// re-issues epochs strictly greater than the snapshot's epoch.
	if e.journal != nil {
		if err := e.journal.Flush(ctx); err != nil {
			return UpdateResult{}, &PersistenceError{Op: "flush delta journal", Err: err}
		}
	}
	if e.store != nil {
		if err := e.store.Persist(ctx, e.Snapshot()); err != nil {
			return UpdateResult{}, &PersistenceError{Op: "persist snapshot", Err: err}
		}
	}
	if e.trsSink != nil {
		if err := e.trsSink.PersistRow(ctx, e.epoch, e.identities); err != nil {
			return UpdateResult{}, &PersistenceError{Op: "persist trs row", Err: err}
		}
	}

	return UpdateResult{
		NewWitnessingActs: newWA,
		Expired:           expired,
		Issued:            issued,
		Penalized:         penalized,
		Total:             total,
		PerIdentity:       perIdentity,
		Distributed:       distributed,
	}, nil
}

// phantomExpiryCycle fabricates the intermediate epoch cycle spec §4.1 step
// 1 requires when the caller skips epochs: it only runs expiry and clean
// (no issuance, no distribution) and still persists a snapshot so a reader
// of the snapshot file at that epoch sees consistent state.
func (e *Engine) phantomExpiryCycle(ctx context.Context, phantomEpoch uint32) error {
	e.debugf("expiring reputation in phantom epoch %d", phantomEpoch)
	expired, err := e.expireQueueFront(phantomEpoch)
	if err != nil {
		return err
	}
	if expired > 0 {
		e.leftover += expired
		e.debugf("%d -- %d leftover + %d expired + 0 issued + 0 penalized = %d", phantomEpoch, e.leftover-expired, expired, e.leftover)
	}
	e.clean()
	if e.store != nil {
		snap := e.Snapshot()
		snap.Epoch = phantomEpoch
		if err := e.store.Persist(ctx, snap); err != nil {
			return &PersistenceError{Op: "persist phantom snapshot", Err: err}
		}
	}
	if e.trsSink != nil {
		if err := e.trsSink.PersistRow(ctx, phantomEpoch, e.identities); err != nil {
			return &PersistenceError{Op: "persist phantom trs row", Err: err}
		}
	}
	return nil
}

// expireQueueFront drains the front of the expiry queue while its
// threshold is at or below the current (pre-increment) witnessing-act
// counter (spec §4.1 step 4).
func (e *Engine) expireQueueFront(deltaEpoch uint32) (uint64, error) {
	var expired uint64
	for len(e.expiryQueue) > 0 && e.expiryQueue[0].Threshold <= e.witnessingActs {
		packet := e.expiryQueue[0]
		e.expiryQueue = e.expiryQueue[1:]
		for _, id := range sortedKeysU64(packet.Amounts) {
			amt := packet.Amounts[id]
			cur, ok := e.identities[id]
			if !ok || cur < amt {
				return expired, &InvariantViolationError{Msg: fmt.Sprintf("expiry packet for %s exceeds current reputation", id)}
			}
			e.identities[id] = cur - amt
			expired += amt
			e.appendDelta(id, deltaEpoch, -int64(amt), models.DeltaExpire)
		}
	}
	return expired, nil
}

// issueReputation caps cumulative issuance at issuanceStop (spec §4.1 step
// 5 / S2).
func (e *Engine) issueReputation(newWA uint64) uint64 {
	if e.witnessingActs >= issuanceStop {
		return 0
	}
	newTotal := e.witnessingActs + newWA
	if newTotal > issuanceStop {
		newTotal = issuanceStop
	}
	return newTotal - e.witnessingActs
}

// penalizeLiars retains floor(current × 0.5^k) reputation for an identity
// lied k times, then drains the penalty from its expiry packets newest
// first (spec §4.1 step 6 / S3). A liar with no current reputation is a
// no-op, as in the original (`if liar_identity in self.identities`).
func (e *Engine) penalizeLiars(liars map[string]uint64, deltaEpoch uint32) (uint64, error) {
	var totalPenalized uint64
	for _, id := range sortedKeysU64(liars) {
		k := liars[id]
		cur, ok := e.identities[id]
		if !ok {
			continue
		}
		retained := uint64(math.Floor(float64(cur) * math.Pow(penalisationFactor, float64(k))))
		penalty := cur - retained

		toExpire := penalty
		for i := len(e.expiryQueue) - 1; i >= 0 && toExpire > 0; i-- {
			pkt := e.expiryQueue[i]
			amt, ok := pkt.Amounts[id]
			if !ok {
				continue
			}
			if amt <= toExpire {
				toExpire -= amt
				delete(pkt.Amounts, id)
			} else {
				pkt.Amounts[id] = amt - toExpire
				toExpire = 0
			}
		}
		if toExpire > 0 {
			// Noted as a potential source bug in spec §9: upstream
			// classified a lie for an identity whose packets have already
			// fully expired. Surfaced as InvariantViolation, not a panic.
			return totalPenalized, &InvariantViolationError{Msg: fmt.Sprintf("not enough reputation packets found to expire for %s", id)}
		}

		totalPenalized += penalty
		e.identities[id] = retained
		e.appendDelta(id, deltaEpoch, -int64(penalty), models.DeltaLie)
		if penalty > e.maxSlashed {
			e.maxSlashed = penalty
		}
	}
	return totalPenalized, nil
}

// distribute splits total evenly across honest identities (spec §4.1 step
// 8). A zero per-identity share is a no-op: the caller folds the untouched
// total back into leftover.
func (e *Engine) distribute(total uint64, honest map[string]struct{}, deltaEpoch uint32) (uint64, []string) {
	n := uint64(len(honest))
	if n == 0 {
		n = 1
	}
	perIdentity := total / n
	if perIdentity == 0 {
		return 0, nil
	}

	ids := sortedKeysSet(honest)
	earning := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := e.identities[id]; !ok {
			e.identities[id] = 0
		}
		e.identities[id] += perIdentity
		e.appendDelta(id, deltaEpoch, int64(perIdentity), models.DeltaGain)
		earning = append(earning, id)
	}
	return perIdentity, earning
}

// clean removes identities whose reputation has dropped to zero (spec
// §4.1 step 12). Idempotent: clean(clean(s)) == clean(s).
func (e *Engine) clean() {
	for id, rep := range e.identities {
		if rep == 0 {
			delete(e.identities, id)
		}
	}
}

func absDiffU32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
