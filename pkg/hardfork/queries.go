package hardfork

import (
	"time"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
)

// findBySlot returns the era summary containing slot, or a PastHorizonError.
func (s Summary) findBySlot(slot chain.SlotNo) (EraSummary, error) {
	for _, e := range s.eras {
		if e.containsSlot(slot) {
			return e, nil
		}
	}
	return EraSummary{}, pastHorizon(s, "slot %d outside summary range", slot)
}

// findByEpoch returns the era summary containing epoch, or a PastHorizonError.
func (s Summary) findByEpoch(epoch chain.EpochNo) (EraSummary, error) {
	for _, e := range s.eras {
		if e.containsEpoch(epoch) {
			return e, nil
		}
	}
	return EraSummary{}, pastHorizon(s, "epoch %d outside summary range", epoch)
}

// findByTime returns the era summary containing t, or a PastHorizonError.
func (s Summary) findByTime(t time.Time) (EraSummary, error) {
	for _, e := range s.eras {
		if e.containsTime(t) {
			return e, nil
		}
	}
	return EraSummary{}, pastHorizon(s, "time %s outside summary range", t.Format(time.RFC3339))
}

// WallclockToSlot converts a wall-clock time to an absolute slot and the
// duration into that slot.
func (s Summary) WallclockToSlot(t time.Time) (chain.SlotNo, time.Duration, error) {
	e, err := s.findByTime(t)
	if err != nil {
		return 0, 0, err
	}
	elapsed := t.Sub(e.Start.Time)
	slotsElapsed := chain.SlotNo(elapsed / e.Params.SlotLength)
	timeIntoSlot := elapsed % e.Params.SlotLength
	return e.Start.Slot + slotsElapsed, timeIntoSlot, nil
}

// SlotToWallclock converts an absolute slot to its wall-clock start time and
// the era's slot length.
func (s Summary) SlotToWallclock(slot chain.SlotNo) (time.Time, time.Duration, error) {
	e, err := s.findBySlot(slot)
	if err != nil {
		return time.Time{}, 0, err
	}
	slotDelta := slot - e.Start.Slot
	t := e.Start.Time.Add(time.Duration(slotDelta) * e.Params.SlotLength)
	return t, e.Params.SlotLength, nil
}

// SlotToEpoch converts an absolute slot to its epoch and position within
// that epoch.
func (s Summary) SlotToEpoch(slot chain.SlotNo) (chain.EpochNo, chain.RelativeSlot, error) {
	e, err := s.findBySlot(slot)
	if err != nil {
		return 0, 0, err
	}
	slotDelta := uint64(slot - e.Start.Slot)
	epochDelta := slotDelta / e.Params.EpochSize
	slotIntoEpoch := slotDelta % e.Params.EpochSize
	return e.Start.Epoch + chain.EpochNo(epochDelta), chain.RelativeSlot(slotIntoEpoch), nil
}

// EpochToSlot converts an epoch to its first absolute slot and the era's
// epoch size.
func (s Summary) EpochToSlot(epoch chain.EpochNo) (chain.SlotNo, uint64, error) {
	e, err := s.findByEpoch(epoch)
	if err != nil {
		return 0, 0, err
	}
	epochDelta := uint64(epoch - e.Start.Epoch)
	slot := e.Start.Slot + chain.SlotNo(epochDelta*e.Params.EpochSize)
	return slot, e.Params.EpochSize, nil
}
