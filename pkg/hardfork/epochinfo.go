package hardfork

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
)

// SummaryFetcher produces a fresh Summary, typically by re-running
// Summarize against the latest ledger tip.
type SummaryFetcher func() (Summary, error)

// EpochInfo wraps a Summary behind a mutable cell. Queries that miss the
// cached summary with a PastHorizonError trigger one re-fetch before the
// error is surfaced to the caller: the cached summary is almost always
// stale only because a hard fork has since been confirmed.
type EpochInfo struct {
	cell  atomic.Pointer[Summary]
	fetch SummaryFetcher
}

// NewEpochInfo wraps initial as the starting summary, refetched via fetch
// on a past-horizon miss.
func NewEpochInfo(initial Summary, fetch SummaryFetcher) *EpochInfo {
	e := &EpochInfo{fetch: fetch}
	e.cell.Store(&initial)
	return e
}

func (e *EpochInfo) current() Summary {
	return *e.cell.Load()
}

// refresh re-fetches and stores a new summary, returning it.
func (e *EpochInfo) refresh() (Summary, error) {
	s, err := e.fetch()
	if err != nil {
		return Summary{}, err
	}
	e.cell.Store(&s)
	return s, nil
}

// WallclockToSlot is Summary.WallclockToSlot against the adapter's cached
// summary, with one retry on PastHorizonError.
func (e *EpochInfo) WallclockToSlot(t time.Time) (chain.SlotNo, time.Duration, error) {
	slot, into, err := e.current().WallclockToSlot(t)
	if !isPastHorizon(err) {
		return slot, into, err
	}
	s, ferr := e.refresh()
	if ferr != nil {
		return 0, 0, err
	}
	return s.WallclockToSlot(t)
}

// SlotToWallclock is Summary.SlotToWallclock against the adapter's cached
// summary, with one retry on PastHorizonError.
func (e *EpochInfo) SlotToWallclock(slot chain.SlotNo) (time.Time, time.Duration, error) {
	t, length, err := e.current().SlotToWallclock(slot)
	if !isPastHorizon(err) {
		return t, length, err
	}
	s, ferr := e.refresh()
	if ferr != nil {
		return time.Time{}, 0, err
	}
	return s.SlotToWallclock(slot)
}

// SlotToEpoch is Summary.SlotToEpoch against the adapter's cached summary,
// with one retry on PastHorizonError.
func (e *EpochInfo) SlotToEpoch(slot chain.SlotNo) (chain.EpochNo, chain.RelativeSlot, error) {
	epoch, rel, err := e.current().SlotToEpoch(slot)
	if !isPastHorizon(err) {
		return epoch, rel, err
	}
	s, ferr := e.refresh()
	if ferr != nil {
		return 0, 0, err
	}
	return s.SlotToEpoch(slot)
}

// EpochToSlot is Summary.EpochToSlot against the adapter's cached summary,
// with one retry on PastHorizonError.
func (e *EpochInfo) EpochToSlot(epoch chain.EpochNo) (chain.SlotNo, uint64, error) {
	slot, size, err := e.current().EpochToSlot(epoch)
	if !isPastHorizon(err) {
		return slot, size, err
	}
	s, ferr := e.refresh()
	if ferr != nil {
		return 0, 0, err
	}
	return s.EpochToSlot(epoch)
}

func isPastHorizon(err error) bool {
	var phe *PastHorizonError
	return errors.As(err, &phe)
}

// Snapshot is a pure, non-retrying view over a fixed Summary: any
// past-horizon miss is returned directly to the caller.
type Snapshot struct {
	summary Summary
}

// NewSnapshot wraps s as a Snapshot.
func NewSnapshot(s Summary) Snapshot { return Snapshot{summary: s} }

func (s Snapshot) WallclockToSlot(t time.Time) (chain.SlotNo, time.Duration, error) {
	return s.summary.WallclockToSlot(t)
}

func (s Snapshot) SlotToWallclock(slot chain.SlotNo) (time.Time, time.Duration, error) {
	return s.summary.SlotToWallclock(slot)
}

func (s Snapshot) SlotToEpoch(slot chain.SlotNo) (chain.EpochNo, chain.RelativeSlot, error) {
	return s.summary.SlotToEpoch(slot)
}

func (s Snapshot) EpochToSlot(epoch chain.EpochNo) (chain.SlotNo, uint64, error) {
	return s.summary.EpochToSlot(epoch)
}
