package idmap

import (
	"context"
	"testing"

	"github.com/witnet/explorer-trs/pkg/models"
)

type fakeAddressStore struct {
	addresses map[string]int64
	nextID    int64
	inserted  []string
}

func newFakeAddressStore(seed map[string]int64) *fakeAddressStore {
	var maxID int64
	for _, id := range seed {
		if id > maxID {
			maxID = id
		}
	}
	return &fakeAddressStore{addresses: seed, nextID: maxID + 1}
}

func (s *fakeAddressStore) ListAddresses(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(s.addresses))
	for k, v := range s.addresses {
		out[k] = v
	}
	return out, nil
}

func (s *fakeAddressStore) InsertAddresses(ctx context.Context, addresses []string) error {
	for _, addr := range addresses {
		if _, ok := s.addresses[addr]; ok {
			continue
		}
		s.addresses[addr] = s.nextID
		s.nextID++
		s.inserted = append(s.inserted, addr)
	}
	return nil
}

func TestMapper_AddressResolvesAfterRefresh(t *testing.T) {
	store := newFakeAddressStore(map[string]int64{"wit1abc": 1, "wit1xyz": 2})
	m := New(store, nil)

	addr, err := m.Address(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "wit1xyz" {
		t.Errorf("address: got %q, want %q", addr, "wit1xyz")
	}
}

func TestMapper_AddressUnknownIDFails(t *testing.T) {
	store := newFakeAddressStore(map[string]int64{"wit1abc": 1})
	m := New(store, nil)

	if _, err := m.Address(context.Background(), 999); err == nil {
		t.Fatal("expected error for an id with no address")
	}
}

func TestMapper_ResolveIDsInsertsUnseenAddresses(t *testing.T) {
	store := newFakeAddressStore(map[string]int64{"wit1abc": 1})
	m := New(store, nil)

	identities := map[string]uint64{"wit1abc": 10, "wit1new": 20}
	ids, reps, err := m.ResolveIDs(context.Background(), identities)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ids) != 2 || len(reps) != 2 {
		t.Fatalf("resolved: got %d ids / %d reps, want 2/2", len(ids), len(reps))
	}
	if len(store.inserted) != 1 || store.inserted[0] != "wit1new" {
		t.Errorf("inserted addresses: got %v, want [wit1new]", store.inserted)
	}

	// addrs are sorted ascending before resolution: "wit1abc" < "wit1new"
	if ids[0] != 1 {
		t.Errorf("first resolved id: got %d, want 1 (wit1abc)", ids[0])
	}
	if reps[0] != 10 {
		t.Errorf("first resolved reputation: got %d, want 10", reps[0])
	}
}

type fakeTRSRowSink struct {
	rows []models.TRSRow
}

func (s *fakeTRSRowSink) PersistTRSRow(ctx context.Context, row models.TRSRow) error {
	s.rows = append(s.rows, row)
	return nil
}

func TestMapper_PersistRowResolvesThenWritesTRSRow(t *testing.T) {
	store := newFakeAddressStore(map[string]int64{"A": 1, "B": 2})
	sink := &fakeTRSRowSink{}
	m := New(store, sink)

	identities := map[string]uint64{"A": 10, "B": 20}
	if err := m.PersistRow(context.Background(), 7, identities); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.rows) != 1 {
		t.Fatalf("rows persisted: got %d, want 1", len(sink.rows))
	}
	row := sink.rows[0]
	if row.Epoch != 7 {
		t.Errorf("row epoch: got %d, want 7", row.Epoch)
	}
	if len(row.AddressIDs) != 2 || row.AddressIDs[0] != 1 || row.AddressIDs[1] != 2 {
		t.Errorf("row address ids: got %v, want [1 2] (sorted by address)", row.AddressIDs)
	}
	if len(row.Reputations) != 2 || row.Reputations[0] != 10 || row.Reputations[1] != 20 {
		t.Errorf("row reputations: got %v, want [10 20]", row.Reputations)
	}
}

func TestMapper_ResolveIDsIsStableAcrossCalls(t *testing.T) {
	store := newFakeAddressStore(map[string]int64{"A": 1, "B": 2, "C": 3})
	m := New(store, nil)
	identities := map[string]uint64{"A": 1, "B": 2, "C": 3}

	ids1, _, err := m.ResolveIDs(context.Background(), identities)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids2, _, err := m.ResolveIDs(context.Background(), identities)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := range ids1 {
		if ids1[i] != ids2[i] {
			t.Errorf("id ordering must be deterministic: call 1 = %v, call 2 = %v", ids1, ids2)
			break
		}
	}
}
