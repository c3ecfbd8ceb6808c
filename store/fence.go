package store

import (
	"time"

	"github.com/zeebo/xxh3"
)

// FenceOptions configures idempotent-producer fencing behavior for a store.
type FenceOptions struct {
	// StrictFirstSeq requires a brand-new producer's (or new epoch's) first
	// accepted sequence number to be exactly 0. When false, the first
	// sequence a producer presents is accepted as its baseline, which
	// tolerates producers that resume mid-sequence after a restart.
	StrictFirstSeq bool
}

// hashPayload computes the dedup fingerprint for a producer's message body.
func hashPayload(data []byte) uint64 {
	return xxh3.Hash(data)
}

// CheckFence validates a producer's (epoch, seq) pair and payload against
// its previously recorded state, returning the result to surface to the
// caller and, on acceptance, the ProducerState to persist. state is nil for
// a producer id never seen on this stream before.
func CheckFence(state *ProducerState, epoch, seq int64, payload []byte, opts FenceOptions) (AppendResult, *ProducerState, error) {
	hash := hashPayload(payload)

	if state == nil {
		if opts.StrictFirstSeq && seq != 0 {
			return AppendResult{
				ProducerResult: ProducerResultNone,
				ExpectedSeq:    0,
				ReceivedSeq:    seq,
			}, nil, ErrProducerSeqGap
		}
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: seq},
			newProducerState(epoch, seq, hash), nil
	}

	if epoch < state.Epoch {
		// Stale epoch - a zombie producer instance trying to write after a
		// newer instance has taken over.
		return AppendResult{
			ProducerResult: ProducerResultNone,
			CurrentEpoch:   state.Epoch,
		}, nil, ErrStaleEpoch
	}

	if epoch > state.Epoch {
		if opts.StrictFirstSeq && seq != 0 {
			return AppendResult{ProducerResult: ProducerResultNone}, nil, ErrInvalidEpochSeq
		}
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: seq},
			newProducerState(epoch, seq, hash), nil
	}

	// Same epoch - sequence and payload-hash validation.
	if seq < state.LastSeq {
		// Only the hash of the most recently accepted sequence is retained,
		// so a seq older than that can never be verified against what was
		// actually stored. Returning success here would let an unverified
		// payload pass as a harmless retry, which is exactly the producer
		// bug this check exists to catch - reject instead.
		return AppendResult{
			ProducerResult: ProducerResultNone,
			ExpectedSeq:    state.LastSeq + 1,
			ReceivedSeq:    seq,
		}, nil, ErrSequenceConflict
	}

	if seq == state.LastSeq {
		if hash == state.LastHash {
			// Exact retry of the last accepted message - idempotent success.
			// Report the offset it actually committed at, not the stream's
			// current head, which may have moved on since.
			return AppendResult{ProducerResult: ProducerResultDuplicate, LastSeq: state.LastSeq, Offset: state.LastOffset}, nil, nil
		}
		// Same sequence number, different bytes: the producer reused a seq
		// it already committed with a new payload. Reject rather than
		// silently accepting data loss of one message or the other.
		return AppendResult{
			ProducerResult: ProducerResultNone,
			ExpectedSeq:    state.LastSeq + 1,
			ReceivedSeq:    seq,
		}, nil, ErrProducerPayloadMismatch
	}

	if seq == state.LastSeq+1 {
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: seq},
			newProducerState(epoch, seq, hash), nil
	}

	return AppendResult{
		ProducerResult: ProducerResultNone,
		ExpectedSeq:    state.LastSeq + 1,
		ReceivedSeq:    seq,
	}, nil, ErrProducerSeqGap
}

func newProducerState(epoch, seq int64, hash uint64) *ProducerState {
	return &ProducerState{
		Epoch:       epoch,
		LastSeq:     seq,
		LastUpdated: time.Now().Unix(),
		LastHash:    hash,
	}
}

// ExpireProducers removes producer fencing state that has not been touched
// since before cutoff, bounding how long a stream's metadata grows with
// idle producer ids. Returns the number of entries removed.
func ExpireProducers(producers map[string]*ProducerState, cutoff time.Time) int {
	if len(producers) == 0 {
		return 0
	}
	cut := cutoff.Unix()
	removed := 0
	for id, state := range producers {
		if state.LastUpdated < cut {
			delete(producers, id)
			removed++
		}
	}
	return removed
}
