package reputation

import (
	"context"
	"fmt"
	"testing"

	"github.com/witnet/explorer-trs/pkg/models"
)

// fakeJournal/fakeStore let tests observe what the engine would have
// flushed/persisted without standing up real infrastructure.
type fakeJournal struct {
	appended []models.Delta
}

func (j *fakeJournal) Append(d models.Delta) { j.appended = append(j.appended, d) }
func (j *fakeJournal) Flush(ctx context.Context) error {
	j.appended = j.appended[:0]
	return nil
}

type fakeStore struct {
	last models.Snapshot
	n    int
}

func (s *fakeStore) Persist(ctx context.Context, snap models.Snapshot) error {
	s.last = snap
	s.n++
	return nil
}

type fakeTRSSink struct {
	calls      int
	lastEpoch  uint32
	lastSize   int
	failNext   bool
}

func (s *fakeTRSSink) PersistRow(ctx context.Context, epoch uint32, identities map[string]uint64) error {
	if s.failNext {
		s.failNext = false
		return fmt.Errorf("simulated trs sink failure")
	}
	s.calls++
	s.lastEpoch = epoch
	s.lastSize = len(identities)
	return nil
}

func newTestEngine() *Engine {
	return NewFresh(&fakeJournal{}, &fakeStore{}, nil, nil)
}

func TestUpdate_FirstHonestReveal(t *testing.T) {
	e := newTestEngine()

	result, err := e.Update(context.Background(), 100,
		map[string]uint64{"A": 1, "B": 1},
		map[string]uint64{"A": 1, "B": 1},
		map[string]uint64{},
		map[string]uint64{},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e.WitnessingActs() != 2 {
		t.Errorf("witnessing_acts: got %d, want 2", e.WitnessingActs())
	}
	if result.Issued != 2 {
		t.Errorf("issued: got %d, want 2", result.Issued)
	}
	if result.Total != 2 {
		t.Errorf("distributed total: got %d, want 2", result.Total)
	}
	if result.PerIdentity != 1 {
		t.Errorf("per_identity: got %d, want 1", result.PerIdentity)
	}
	identities := e.Identities()
	if identities["A"] != 1 || identities["B"] != 1 {
		t.Errorf("identity_map: got %v, want {A:1 B:1}", identities)
	}
	if len(e.expiryQueue) != 1 || e.expiryQueue[0].Threshold != 20002 {
		t.Fatalf("expiry queue: got %+v, want one packet at threshold 20002", e.expiryQueue)
	}
}

func TestUpdate_IssuanceCap(t *testing.T) {
	e := newTestEngine()
	e.witnessingActs = issuanceStop - 1
	e.identities["A"] = 1
	e.epoch = 5

	result, err := e.Update(context.Background(), 6,
		map[string]uint64{"A": 5},
		map[string]uint64{"A": 1},
		map[string]uint64{},
		map[string]uint64{},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Issued != 1 {
		t.Errorf("issued: got %d, want 1 (capped)", result.Issued)
	}
	if result.NewWitnessingActs != 5 {
		t.Errorf("new_wa: got %d, want 5", result.NewWitnessingActs)
	}
	if e.WitnessingActs() != issuanceStop+4 {
		t.Errorf("witnessing_acts: got %d, want %d", e.WitnessingActs(), issuanceStop+4)
	}
}

func TestUpdate_LiarPenalisation(t *testing.T) {
	e := newTestEngine()
	e.identities["A"] = 100
	e.expiryQueue = []models.ExpiryPacket{{Threshold: 1_000_000, Amounts: map[string]uint64{"A": 100}}}
	e.epoch = 10

	result, err := e.Update(context.Background(), 11,
		map[string]uint64{},
		map[string]uint64{},
		map[string]uint64{},
		map[string]uint64{"A": 2},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Penalized != 75 {
		t.Errorf("penalized: got %d, want 75", result.Penalized)
	}
	if got := e.Identities()["A"]; got != 25 {
		t.Errorf("A's retained reputation: got %d, want 25", got)
	}
	if e.expiryQueue[0].Amounts["A"] != 25 {
		t.Errorf("A's remaining packet amount: got %d, want 25", e.expiryQueue[0].Amounts["A"])
	}
}

func TestUpdate_ExpiryNotYetDue(t *testing.T) {
	e := newTestEngine()
	e.identities["A"] = 4
	e.expiryQueue = []models.ExpiryPacket{{Threshold: 10, Amounts: map[string]uint64{"A": 4}}}
	e.witnessingActs = 9
	e.epoch = 50

	result, err := e.Update(context.Background(), 51,
		map[string]uint64{"B": 2},
		map[string]uint64{"B": 1},
		map[string]uint64{},
		map[string]uint64{},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Expired != 0 {
		t.Errorf("expired: got %d, want 0 (threshold 10 > pre-increment witnessing_acts 9)", result.Expired)
	}
	if e.WitnessingActs() != 11 {
		t.Errorf("witnessing_acts after increment: got %d, want 11", e.WitnessingActs())
	}
	if len(e.expiryQueue) != 2 {
		t.Fatalf("expiry queue: got %d packets, want 2 (original + new distribution)", len(e.expiryQueue))
	}
}

func TestUpdate_EpochGapFabricatesPhantomCycle(t *testing.T) {
	e := newTestEngine()
	e.identities["A"] = 4
	e.expiryQueue = []models.ExpiryPacket{{Threshold: 5, Amounts: map[string]uint64{"A": 4}}}
	e.witnessingActs = 5
	e.epoch = 100

	_, err := e.Update(context.Background(), 103,
		map[string]uint64{"B": 1},
		map[string]uint64{"B": 1},
		map[string]uint64{},
		map[string]uint64{},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e.Epoch() != 103 {
		t.Errorf("epoch: got %d, want 103", e.Epoch())
	}
	// The packet at threshold 5 should have expired during the phantom cycle
	// at epoch 101, folding 4 into leftover before the live epoch 103 update
	// consumed it into the new distribution.
	if _, ok := e.Identities()["A"]; ok {
		if e.Identities()["A"] != 0 {
			t.Errorf("A should have been cleaned after its packet fully expired")
		}
	}
}

func TestUpdate_PersistsTRSRowEachCall(t *testing.T) {
	trsSink := &fakeTRSSink{}
	e := NewFresh(&fakeJournal{}, &fakeStore{}, trsSink, nil)

	_, err := e.Update(context.Background(), 1,
		map[string]uint64{"A": 1},
		map[string]uint64{"A": 1},
		map[string]uint64{},
		map[string]uint64{},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trsSink.calls != 1 {
		t.Fatalf("trs sink calls: got %d, want 1", trsSink.calls)
	}
	if trsSink.lastEpoch != 1 {
		t.Errorf("trs row epoch: got %d, want 1", trsSink.lastEpoch)
	}
}

func TestUpdate_EpochGapPersistsPhantomTRSRow(t *testing.T) {
	trsSink := &fakeTRSSink{}
	e := NewFresh(&fakeJournal{}, &fakeStore{}, trsSink, nil)
	e.identities["A"] = 4
	e.witnessingActs = 5
	e.epoch = 100

	_, err := e.Update(context.Background(), 103,
		map[string]uint64{"B": 1},
		map[string]uint64{"B": 1},
		map[string]uint64{},
		map[string]uint64{},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// One phantom-epoch insert (epoch 101) plus the real epoch 103 insert.
	if trsSink.calls != 2 {
		t.Fatalf("trs sink calls: got %d, want 2 (phantom + real)", trsSink.calls)
	}
}

func TestUpdate_TRSSinkFailureWrapsPersistenceError(t *testing.T) {
	trsSink := &fakeTRSSink{failNext: true}
	e := NewFresh(&fakeJournal{}, &fakeStore{}, trsSink, nil)

	_, err := e.Update(context.Background(), 1,
		map[string]uint64{"A": 1},
		map[string]uint64{"A": 1},
		map[string]uint64{},
		map[string]uint64{},
	)
	if _, ok := err.(*PersistenceError); !ok {
		t.Errorf("got %T, want *PersistenceError", err)
	}
}

func TestUpdate_RejectsNonIncreasingEpoch(t *testing.T) {
	e := newTestEngine()
	e.epoch = 50

	_, err := e.Update(context.Background(), 50, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("expected ProtocolMisuseError for epoch <= last-seen epoch")
	}
	if _, ok := err.(*ProtocolMisuseError); !ok {
		t.Errorf("got %T, want *ProtocolMisuseError", err)
	}
}

func TestCheckInvariants_DetectsUnbalancedPackets(t *testing.T) {
	e := newTestEngine()
	e.identities["A"] = 10
	e.expiryQueue = []models.ExpiryPacket{{Threshold: 100, Amounts: map[string]uint64{"A": 5}}}

	err := e.CheckInvariants()
	if err == nil {
		t.Fatal("expected invariant violation for identity/packet imbalance")
	}
	if _, ok := err.(*InvariantViolationError); !ok {
		t.Errorf("got %T, want *InvariantViolationError", err)
	}
}

func TestNewFromSnapshot_RestoresState(t *testing.T) {
	snap := models.Snapshot{
		WitnessingActs:     42,
		LeftoverReputation: 7,
		Epoch:              100,
		Identities:         map[string]uint64{"A": 10},
		ReputationExpiry: []models.ExpiryPacket{
			{Threshold: 20042, Amounts: map[string]uint64{"A": 10}},
		},
	}
	e := NewFromSnapshot(snap, &fakeJournal{}, &fakeStore{}, nil, nil)

	if e.Epoch() != 100 {
		t.Errorf("epoch: got %d, want 100", e.Epoch())
	}
	if e.WitnessingActs() != 42 {
		t.Errorf("witnessing_acts: got %d, want 42", e.WitnessingActs())
	}
	if !e.firstUpdate {
		t.Error("expected firstUpdate=true immediately after restoring from snapshot")
	}
}
