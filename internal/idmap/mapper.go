// Package idmap maintains the bijection between human-readable identity
// addresses and the compact integer ids the `addresses` table assigns them,
// so snapshot rows can be serialised as integer-id lists instead of raw
// addresses (spec §4.5). Mirrors TRS.get_addresses_to_ids/
// get_ids_to_addresses/insert_addresses/transform_identities.
package idmap

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/witnet/explorer-trs/pkg/models"
)

// AddressStore is the external `addresses` table contract (spec §6).
// Implemented by internal/db.
type AddressStore interface {
	ListAddresses(ctx context.Context) (map[string]int64, error)
	InsertAddresses(ctx context.Context, addresses []string) error
}

// TRSRowSink is the external `trs` table contract (spec §6). Implemented
// by internal/db.
type TRSRowSink interface {
	PersistTRSRow(ctx context.Context, row models.TRSRow) error
}

// Mapper caches the address<->id bijection and refreshes it from the store
// on any lookup miss. It also satisfies reputation.TRSSink, since resolving
// identities to address ids is a prerequisite for writing a `trs` row.
type Mapper struct {
	store   AddressStore
	trsSink TRSRowSink

	mu          sync.RWMutex
	addressToID map[string]int64
	idToAddress map[int64]string
}

func New(store AddressStore, trsSink TRSRowSink) *Mapper {
	return &Mapper{
		store:       store,
		trsSink:     trsSink,
		addressToID: make(map[string]int64),
		idToAddress: make(map[int64]string),
	}
}

// Refresh reloads the full bijection from the external store.
func (m *Mapper) Refresh(ctx context.Context) error {
	addresses, err := m.store.ListAddresses(ctx)
	if err != nil {
		return fmt.Errorf("refreshing address id mapping: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addressToID = make(map[string]int64, len(addresses))
	m.idToAddress = make(map[int64]string, len(addresses))
	for addr, id := range addresses {
		m.addressToID[addr] = id
		m.idToAddress[id] = addr
	}
	return nil
}

// Address resolves an id to its address, refreshing the cache once on a
// miss before giving up ("optimistic" read-path per the original's
// get_trs comment).
func (m *Mapper) Address(ctx context.Context, id int64) (string, error) {
	m.mu.RLock()
	addr, ok := m.idToAddress[id]
	m.mu.RUnlock()
	if ok {
		return addr, nil
	}
	if err := m.Refresh(ctx); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok = m.idToAddress[id]
	if !ok {
		return "", fmt.Errorf("no address found for id %d", id)
	}
	return addr, nil
}

// ResolveIDs translates an identity map into parallel id/reputation slices
// for the `trs` table row, inserting any never-seen addresses first
// (TRS.transform_identities). The iteration order over identities follows
// ascending address order for determinism.
func (m *Mapper) ResolveIDs(ctx context.Context, identities map[string]uint64) (ids []int64, reputations []int64, err error) {
	addrs := make([]string, 0, len(identities))
	for addr := range identities {
		addrs = append(addrs, addr)
	}

	var missing []string
	m.mu.RLock()
	for _, addr := range addrs {
		if _, ok := m.addressToID[addr]; !ok {
			missing = append(missing, addr)
		}
	}
	m.mu.RUnlock()

	if len(missing) > 0 {
		if err := m.store.InsertAddresses(ctx, missing); err != nil {
			return nil, nil, fmt.Errorf("inserting %d new addresses: %w", len(missing), err)
		}
		if err := m.Refresh(ctx); err != nil {
			return nil, nil, err
		}
	}

	sort.Strings(addrs)
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids = make([]int64, 0, len(addrs))
	reputations = make([]int64, 0, len(addrs))
	for _, addr := range addrs {
		id, ok := m.addressToID[addr]
		if !ok {
			return nil, nil, fmt.Errorf("address %s missing from id mapping after insert+refresh", addr)
		}
		ids = append(ids, id)
		reputations = append(reputations, int64(identities[addr]))
	}
	return ids, reputations, nil
}

// PersistRow resolves identities to address ids and writes the `trs` table
// row for epoch, satisfying reputation.TRSSink (TRS.insert_trs).
func (m *Mapper) PersistRow(ctx context.Context, epoch uint32, identities map[string]uint64) error {
	ids, reputations, err := m.ResolveIDs(ctx, identities)
	if err != nil {
		return err
	}
	return m.trsSink.PersistTRSRow(ctx, models.TRSRow{
		Epoch:       epoch,
		AddressIDs:  ids,
		Reputations: reputations,
	})
}
