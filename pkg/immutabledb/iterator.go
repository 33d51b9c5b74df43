package immutabledb

import (
	"sync"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
)

// Iterated is one entry yielded by an Iterator.
type Iterated struct {
	Slot  chain.SlotNo
	Value any
}

// Iterator is a forward cursor over [from, to] (§4.3 "Iterator"). Close is
// idempotent and must be called even after Next returns false.
type Iterator struct {
	db   *DB
	comp *BlockComponent
	to   chain.SlotNo

	mu     sync.Mutex
	cur    chain.EpochSlot
	toEs   chain.EpochSlot
	done   bool
	err    error
	closed bool
}

// Stream opens an iterator over [from, to] inclusive, projecting comp at
// each surviving entry. Both endpoints must name an existing entry.
func (db *DB) Stream(from, to chain.SlotNo, comp *BlockComponent) (*Iterator, error) {
	s, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	info, ok := s.tip.Info()
	if !ok {
		return nil, db.traceUserError(&InvalidIteratorRangeError{From: from, To: to, Missing: "from"})
	}
	if from > tipSlot(info) {
		return nil, db.traceUserError(&InvalidIteratorRangeError{From: from, To: to, Missing: "from"})
	}
	if to > tipSlot(info) {
		return nil, db.traceUserError(&InvalidIteratorRangeError{From: from, To: to, Missing: "to"})
	}
	if from > to {
		return nil, db.traceUserError(&InvalidIteratorRangeError{From: from, To: to, Missing: "from"})
	}

	fromEs, err := db.epochInfo.BlockRelative(from)
	if err != nil {
		return nil, err
	}
	if _, found, err := db.resolve(s, fromEs.Epoch, fromEs.Rel); err != nil || !found {
		if err != nil {
			return nil, err
		}
		return nil, db.traceUserError(&InvalidIteratorRangeError{From: from, To: to, Missing: "from"})
	}
	toEs, err := db.epochInfo.BlockRelative(to)
	if err != nil {
		return nil, err
	}
	if _, found, err := db.resolve(s, toEs.Epoch, toEs.Rel); err != nil || !found {
		if err != nil {
			return nil, err
		}
		return nil, db.traceUserError(&InvalidIteratorRangeError{From: from, To: to, Missing: "to"})
	}

	db.mu.Lock()
	db.openIterators++
	db.mu.Unlock()

	return &Iterator{db: db, comp: comp, to: to, cur: fromEs, toEs: toEs}, nil
}

// Next advances the cursor to the next non-empty slot at or after the
// current position and returns its projection. ok is false once the range
// is exhausted or an error occurred; check Err afterward.
func (it *Iterator) Next() (Iterated, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done || it.closed {
		return Iterated{}, false
	}

	s, err := it.db.snapshot()
	if err != nil {
		it.err = err
		it.done = true
		return Iterated{}, false
	}

	for {
		if it.cur.Epoch > it.toEs.Epoch || (it.cur.Epoch == it.toEs.Epoch && it.cur.Rel > it.toEs.Rel) {
			it.done = true
			return Iterated{}, false
		}

		epochSize, err := it.db.epochInfo.EpochSize(it.cur.Epoch)
		if err != nil {
			it.err = err
			it.done = true
			return Iterated{}, false
		}

		resolved, found, err := it.db.resolve(s, it.cur.Epoch, it.cur.Rel)
		if err != nil {
			it.err = err
			it.done = true
			return Iterated{}, false
		}
		if !found {
			it.advance(epochSize)
			continue
		}

		slot, err := it.slotOf(resolved)
		if err != nil {
			it.err = err
			it.done = true
			return Iterated{}, false
		}

		v, err := it.db.eval(resolved, it.comp)
		if err != nil {
			it.err = err
			it.done = true
			return Iterated{}, false
		}

		atEnd := it.cur == it.toEs
		it.advance(epochSize)
		if atEnd {
			it.done = true
		}
		return Iterated{Slot: slot, Value: v}, true
	}
}

func (it *Iterator) slotOf(r resolvedEntry) (chain.SlotNo, error) {
	if r.entry.Tag.IsEBB() {
		return it.db.epochInfo.FirstSlotOf(r.epoch)
	}
	return r.entry.Tag.Slot, nil
}

// advance moves the cursor to the next relative slot, rolling over to the
// next epoch's relative slot 0 at the epoch boundary (§4.3 "upon reaching
// P[epochSize+1], advances to epoch+1").
func (it *Iterator) advance(epochSize uint64) {
	if uint64(it.cur.Rel)+1 >= epochSize {
		it.cur = chain.EpochSlot{Epoch: it.cur.Epoch + 1, Rel: 0}
		return
	}
	it.cur.Rel++
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Close releases the iterator. Idempotent.
func (it *Iterator) Close() error {
	it.mu.Lock()
	wasClosed := it.closed
	it.closed = true
	it.mu.Unlock()

	if !wasClosed {
		it.db.mu.Lock()
		it.db.openIterators--
		it.db.mu.Unlock()
	}
	return nil
}
