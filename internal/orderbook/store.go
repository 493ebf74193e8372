package orderbook

import (
	"github.com/quantfabric/arbengine/internal/common/errors"
)

// Store holds the books owned by one shard. It is single-owner by contract:
// only the owning shard touches it, so there are no locks and no atomics.
type Store struct {
	books map[uint32]*Book
	meta  map[uint32]PairMeta
	depth int

	// StaleDropped counts snapshots rejected for sequence regression
	StaleDropped uint64
	// MalformedDropped counts snapshots rejected for shape or scale errors
	MalformedDropped uint64
	// CrossedDropped counts snapshots rejected for crossing the book
	CrossedDropped uint64
}

// NewStore creates a shard-local store. meta provides per-pair scales and
// tick/step sizes; pairs without metadata are rejected as unknown input.
func NewStore(meta map[uint32]PairMeta, depth int) *Store {
	if depth <= 0 || depth > Capacity {
		depth = Capacity
	}
	return &Store{
		books: make(map[uint32]*Book, 64),
		meta:  meta,
		depth: depth,
	}
}

// Get returns the book for a pair, or nil if none exists yet
func (s *Store) Get(exchange uint8, symbol uint16) *Book {
	return s.books[PairKey(exchange, symbol)]
}

// Len returns the number of live books
func (s *Store) Len() int { return len(s.books) }

// Books iterates all books. Order is unspecified; used off the hot path.
func (s *Store) Books(fn func(*Book)) {
	for _, b := range s.books {
		fn(b)
	}
}

// Apply routes a snapshot to its book, creating the book on first contact.
// Errors are sentinel-only and already counted on the store.
func (s *Store) Apply(snap *NormalizedSnapshot) (*Book, error) {
	key := snap.Key()
	book := s.books[key]
	if book == nil {
		meta, ok := s.meta[key]
		if !ok {
			s.MalformedDropped++
			return nil, errors.MalformedSnapshot
		}
		book = NewBook(snap.Exchange, snap.Symbol, meta, s.depth)
		s.books[key] = book
	}

	var err error
	if snap.Kind == KindFull {
		err = book.ApplySnapshot(snap)
	} else {
		err = book.ApplyIncrement(snap)
	}
	switch err {
	case nil:
	case errors.StaleSequence:
		s.StaleDropped++
	case errors.CrossedBook:
		s.CrossedDropped++
	default:
		s.MalformedDropped++
	}
	return book, err
}
