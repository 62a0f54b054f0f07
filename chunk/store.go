// Package chunk reassembles binary payloads that were split into ordered fragments
// because a single physical frame has a practical size ceiling.
//
// Fragments are positional: fragment i of a transfer lands in slot i no matter when it
// arrives, so reassembly happens exactly once, when the last missing slot is filled.
//
//	Put(id, 0, 3, a) → nil          record{a, _, _} received=1
//	Put(id, 2, 3, c) → nil          record{a, _, c} received=2
//	Put(id, 1, 3, b) → a+b+c, true  record evicted
package chunk

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultChunkSize is the fragment size used by the wire layer (512 KiB).
const DefaultChunkSize = 512 * 1024

// MaxFragments is the largest total a transfer may declare.
const MaxFragments = math.MaxInt32

// record holds the fragments received so far for one transfer. Slots are filled lazily,
// so the declared total costs nothing until fragments actually arrive.
type record struct {
	total    int
	received int
	size     int            // Sum of fragment lengths, used to pre-size the assembled payload
	parts    map[int][]byte // Fragments received so far, by index
	started  time.Time
}

// Store maps transfer ids to in-flight records. It is owned by one connection's codec.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	logger  zerolog.Logger
}

// NewStore creates an empty store.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		records: make(map[string]*record),
		logger:  logger.With().Str("component", "chunk_store").Logger(),
	}
}

// Put stores data as fragment index of total for transferID. It returns the assembled
// payload and true when this fragment completes the transfer; the record is removed at
// that point, so a later transfer reusing the id starts from zero.
//
// Malformed headers (index outside [0,total), total outside [1,MaxFragments], or a total
// that disagrees with the first fragment's) are logged and ignored without touching the
// record.
func (s *Store) Put(transferID string, index, total int, data []byte) ([]byte, bool) {
	if total <= 0 || total > MaxFragments || index < 0 || index >= total {
		s.logger.Warn().
			Str("transfer_id", transferID).
			Int("index", index).
			Int("total", total).
			Msg("dropping chunk with invalid index")
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[transferID]
	if !ok {
		rec = &record{total: total, parts: make(map[int][]byte), started: time.Now()}
		s.records[transferID] = rec
	}
	if rec.total != total {
		s.logger.Warn().
			Str("transfer_id", transferID).
			Int("declared_total", rec.total).
			Int("total", total).
			Msg("dropping chunk with mismatched total")
		return nil, false
	}

	if prev, ok := rec.parts[index]; ok {
		s.logger.Warn().Str("transfer_id", transferID).Int("index", index).Msg("duplicate chunk, overwriting")
		rec.size -= len(prev)
	} else {
		rec.received++
	}
	rec.parts[index] = data
	rec.size += len(data)

	if rec.received < rec.total {
		return nil, false
	}

	delete(s.records, transferID)
	out := make([]byte, 0, rec.size)
	for i := 0; i < rec.total; i++ {
		out = append(out, rec.parts[i]...)
	}
	return out, true
}

// Expire abandons transfers whose first fragment arrived before cutoff and returns how
// many were dropped.
func (s *Store) Expire(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.started.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Warn().Int("transfers", n).Msg("abandoning stale transfers")
	}
	return n
}

// Discard abandons a partially received transfer.
func (s *Store) Discard(transferID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, transferID)
}

// Reset abandons every partially received transfer.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.records); n > 0 {
		s.logger.Debug().Int("transfers", n).Msg("discarding incomplete transfers")
	}
	s.records = make(map[string]*record)
}

// Pending returns the number of incomplete transfers.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Received returns how many fragments of transferID have arrived so far.
func (s *Store) Received(transferID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[transferID]; ok {
		return rec.received
	}
	return 0
}
