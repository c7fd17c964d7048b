// =============================================================================
// PRODUCER IDENTIFIER - THE PID/EPOCH PAIR
// =============================================================================
//
// WHAT IS A PRODUCER ID?
// A producer ID (PID) is a unique 64-bit identifier that a broker assigns to
// each producer session. Together with a 16-bit epoch it identifies exactly
// one incarnation of one producer:
//   - PID identifies the "logical" producer session
//   - Epoch identifies the "incarnation" (bumped on each re-initialization)
//
// WHY DOES A PRODUCER NEED ONE?
// The broker deduplicates publishes by (PID, epoch, partition, sequence).
// Without a valid PID the producer cannot stamp messages, so it cannot get
// exactly-once semantics:
//
//   ┌──────────┐   send msg    ┌────────┐   check    ┌─────────────────┐
//   │ Producer │──────────────►│ Broker │───────────►│ Sequence Cache  │
//   │ PID=1000 │               └────────┘            │ PID=1000 seq=42 │
//   │ seq=42   │                    │                └─────────────────┘
//   └──────────┘                    │  seq=42 already seen: no duplicate
//
// ZOMBIE FENCING:
// When a producer restarts and re-initializes with the same client key, the
// broker bumps the epoch. Any still-running old instance is then rejected
// (its epoch is stale). See internal/pidalloc for the broker half.
//
// =============================================================================

package pid

import "fmt"

const (
	// NoProducerID represents an unassigned producer ID.
	NoProducerID int64 = -1

	// NoEpoch represents an unassigned epoch.
	NoEpoch int16 = -1

	// MaxEpoch is the largest epoch value before the broker must roll
	// over to a fresh producer ID.
	MaxEpoch int16 = 1<<15 - 1
)

// ProducerID is the (id, epoch) pair a producer must hold before it can send
// idempotent messages.
//
// The zero value is NOT a valid unassigned identifier; use Reset() or
// NewUnassigned() to get the canonical {-1, -1} pair. A ProducerID is only
// ever read or replaced as a whole, never field-by-field, so readers can
// never observe a half-written pair (the Tracker's lock covers both fields).
type ProducerID struct {
	// ID is the broker-assigned 64-bit identifier. -1 means unassigned.
	ID int64

	// Epoch is the incarnation counter, bumped by the broker when the
	// same client key re-initializes. Never mutated client-side.
	Epoch int16
}

// NewUnassigned returns the canonical reset identifier {-1, -1}.
func NewUnassigned() ProducerID {
	return ProducerID{ID: NoProducerID, Epoch: NoEpoch}
}

// IsValid reports whether this identifier is usable for idempotent sends.
// An identifier is valid iff its ID is non-negative; a reset identifier
// has ID == -1 and must never be stamped onto a message.
func (p ProducerID) IsValid() bool {
	return p.ID >= 0
}

// Reset clears the identifier back to the unassigned sentinel.
func (p *ProducerID) Reset() {
	p.ID = NoProducerID
	p.Epoch = NoEpoch
}

// String returns a compact human-readable form, e.g. "PID{1000,0}".
func (p ProducerID) String() string {
	return fmt.Sprintf("PID{%d,%d}", p.ID, p.Epoch)
}
