package hardfork

import (
	"fmt"
	"time"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
)

// Summarize walks shape, resolving each era's bound from the previous one:
// confirmed eras (named in transitions) get an exact upper bound at their
// transition epoch; the final, unconfirmed era gets a projected upper bound
// from the safe-zone horizon beyond ledgerTip.
func Summarize(systemStart time.Time, ledgerTip chain.SlotNo, shape Shape, transitions Transitions) (Summary, error) {
	lo := Bound{Time: systemStart, Slot: 0, Epoch: 0}
	eras := make([]EraSummary, 0, shape.Len())

	for x := 0; x < shape.Len(); x++ {
		params := shape.At(x)

		if x < transitions.Len() {
			hi := mkUpperBound(params, lo, transitions.At(x))
			if hi.Epoch <= lo.Epoch {
				return Summary{}, fmt.Errorf("hardfork: era %d: transition epoch %d does not advance past start epoch %d", x, transitions.At(x), lo.Epoch)
			}
			eras = append(eras, EraSummary{Start: lo, End: hi, Params: params})
			lo = hi
			continue
		}

		tipSlot := ledgerTip
		if lo.Slot > tipSlot {
			tipSlot = lo.Slot
		}
		horizonSlot := tipSlot + chain.SlotNo(params.SafeZone.FromTip)

		slotDelta := uint64(horizonSlot - lo.Slot)
		horizonEpoch := lo.Epoch + chain.EpochNo(ceilDiv(slotDelta, params.EpochSize))

		if params.SafeZone.BeforeEpoch != nil && *params.SafeZone.BeforeEpoch > horizonEpoch {
			horizonEpoch = *params.SafeZone.BeforeEpoch
		}

		// The final era must not be empty: guarantee at least one epoch even
		// when the safe zone horizon lands exactly on lo.Epoch (FromTip == 0
		// at genesis).
		if horizonEpoch <= lo.Epoch {
			horizonEpoch = lo.Epoch + 1
		}

		hi := mkUpperBound(params, lo, horizonEpoch)
		eras = append(eras, EraSummary{Start: lo, End: hi, Params: params})
		break
	}

	return Summary{eras: eras}, nil
}

// mkUpperBound advances lo to the bound at the given epoch, within a single
// era's fixed epoch size and slot length.
func mkUpperBound(params EraParams, lo Bound, epoch chain.EpochNo) Bound {
	epochDelta := uint64(epoch - lo.Epoch)
	slotDelta := epochDelta * params.EpochSize
	timeDelta := time.Duration(slotDelta) * params.SlotLength

	return Bound{
		Time:  lo.Time.Add(timeDelta),
		Slot:  lo.Slot + chain.SlotNo(slotDelta),
		Epoch: epoch,
	}
}

// ceilDiv computes ceil(a/b) for non-negative integers, b > 0.
func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}
