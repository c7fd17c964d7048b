// =============================================================================
// PRODUCER IDENTIFIER ALLOCATION - THE BROKER SIDE OF IDEMPOTENCE
// =============================================================================
//
// WHAT IS THIS?
// The broker-side counterpart of identifier acquisition: hand each producer
// session a (producerID, epoch) pair, bump the epoch when the same client
// re-initializes, and fence stale epochs on the publish path.
//
// WHY EPOCHS?
// A producer that restarts (or is replaced after a network partition) would
// otherwise race its own zombie: the old instance's buffered messages could
// land after the new instance's. The epoch solves this:
//
//   client "app-1" initializes        -> PID{7, 0}
//   client "app-1" crashes, restarts
//   client "app-1" initializes again  -> PID{7, 1}
//   old instance publishes with epoch 0 -> FENCED, rejected
//
// Sequence numbers then deduplicate within an epoch: each (pid, epoch,
// partition) carries a monotonically increasing sequence, and the allocator
// accepts exactly the next expected value, flags exact duplicates, and
// rejects gaps.
//
// =============================================================================

package pidalloc

import (
	"fmt"
	"log/slog"
	"sync"
)

// MaxEpoch is the largest representable epoch. Bumping past it allocates a
// fresh producer identifier with epoch 0: the old identifier is abandoned
// rather than allowing the epoch to wrap and un-fence old zombies.
const MaxEpoch = int16(1<<15 - 1)

// session is the allocator's record for one client key.
type session struct {
	producerID int64
	epoch      int16

	// sequences maps "topic/partition" to the next expected sequence.
	sequences map[string]int64
}

// SequenceCheck is the outcome of validating a publish attempt.
type SequenceCheck int

const (
	// SequenceOK means the attempt carries the next expected sequence.
	SequenceOK SequenceCheck = iota

	// SequenceDuplicate means this exact message was already accepted;
	// the caller should ack it without appending again.
	SequenceDuplicate

	// SequenceGap means sequences were skipped; something was lost or
	// reordered between producer and broker.
	SequenceGap

	// SequenceFenced means the attempt carries a stale epoch (or an
	// unknown identifier) and must be rejected.
	SequenceFenced
)

// Allocator issues producer identifiers and validates idempotent publishes.
// Safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	nextProducerID int64
	sessions       map[string]*session // client key -> session
	byID           map[int64]*session  // producer ID -> session

	logger *slog.Logger
}

// NewAllocator creates an empty allocator.
func NewAllocator(logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		sessions: make(map[string]*session),
		byID:     make(map[int64]*session),
		logger:   logger,
	}
}

// Initialize returns the identifier for a client key. First call allocates
// a fresh identifier at epoch 0; each subsequent call with the same key
// bumps the epoch, fencing every earlier epoch. On epoch exhaustion a new
// identifier is allocated instead of wrapping.
func (a *Allocator) Initialize(clientKey string) (producerID int64, epoch int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[clientKey]
	if !ok {
		s = &session{
			producerID: a.allocateIDLocked(),
			epoch:      0,
			sequences:  make(map[string]int64),
		}
		a.sessions[clientKey] = s
		a.byID[s.producerID] = s
		a.logger.Info("allocated producer identifier",
			"client_key", clientKey,
			"producer_id", s.producerID)
		return s.producerID, s.epoch
	}

	if s.epoch == MaxEpoch {
		// Exhausted: retire the identifier entirely. Wrapping to 0
		// would make the oldest zombies valid again.
		delete(a.byID, s.producerID)
		s.producerID = a.allocateIDLocked()
		s.epoch = 0
		a.byID[s.producerID] = s
	} else {
		s.epoch++
	}

	// New epoch, fresh sequence space.
	s.sequences = make(map[string]int64)

	a.logger.Info("bumped producer epoch",
		"client_key", clientKey,
		"producer_id", s.producerID,
		"epoch", s.epoch)
	return s.producerID, s.epoch
}

// CheckSequence validates one publish attempt against the session that owns
// producerID. On SequenceOK the expected sequence is advanced.
func (a *Allocator) CheckSequence(producerID int64, epoch int16, topic string, partition int32, seq int64) SequenceCheck {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.byID[producerID]
	if !ok || s.epoch != epoch {
		return SequenceFenced
	}

	key := fmt.Sprintf("%s/%d", topic, partition)
	expected := s.sequences[key]
	switch {
	case seq == expected:
		s.sequences[key] = expected + 1
		return SequenceOK
	case seq < expected:
		return SequenceDuplicate
	default:
		return SequenceGap
	}
}

// Sessions returns the number of live client sessions.
func (a *Allocator) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Allocator) allocateIDLocked() int64 {
	id := a.nextProducerID
	a.nextProducerID++
	return id
}
