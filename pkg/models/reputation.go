// Package models holds the wire/storage shapes shared between the reputation
// engine and its persistence and API layers.
package models

// DeltaKind classifies a single reputation change. Closed set — gain, lie,
// expire are the only ways reputation moves.
type DeltaKind string

const (
	DeltaGain   DeltaKind = "gain"
	DeltaLie    DeltaKind = "lie"
	DeltaExpire DeltaKind = "expire"
)

// Delta is one append-only reputation change record for a single identity
// within a single epoch.
type Delta struct {
	Identity string    `json:"identity"`
	Epoch    uint32     `json:"epoch"`
	Amount   int64     `json:"amount"` // signed: positive for gain, negative for lie/expire
	Kind     DeltaKind `json:"kind"`
}

// ExpiryPacket is a scheduled batch of reputation subtractions, due once the
// witnessing-act counter reaches Threshold.
type ExpiryPacket struct {
	Threshold uint64           `json:"threshold"`
	Amounts   map[string]uint64 `json:"amounts"`
}

// Snapshot is the full, self-contained state of the reputation engine at a
// given epoch boundary — the only source of truth for crash recovery.
type Snapshot struct {
	WitnessingActs      uint64                 `json:"witnessing_acts"`
	LeftoverReputation  uint64                 `json:"leftover_reputation"`
	ReputationExpiry    []ExpiryPacket         `json:"reputation_expiry"`
	Epoch               uint32                 `json:"epoch"`
	Identities          map[string]uint64      `json:"identities"`
	Checksum            string                 `json:"checksum,omitempty"`
}

// TRSRow is one persisted row of the external `trs` table: the identity map
// for an epoch, addresses resolved to compact integer ids.
type TRSRow struct {
	Epoch        uint32  `json:"epoch"`
	AddressIDs   []int64 `json:"addresses"`
	Reputations  []int64 `json:"reputations"`
}

// EligibilityEntry is one identity's normalised block-proposal eligibility
// weight, with the same JSON fields as each entry of the read API's
// eligibility response (which builds its entries as gin.H maps, not as this
// type).
type EligibilityEntry struct {
	Identity    string  `json:"identity"`
	Reputation  uint64  `json:"reputation"`
	Eligibility float64 `json:"eligibility"`
	Percent     float64 `json:"percent"`
}
