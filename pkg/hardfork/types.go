// Package hardfork computes the mapping between wall-clock time, absolute
// slots, and absolute epochs across a chain's era history. It is a pure,
// value-level engine: given a system start time, a ledger tip, a static era
// shape, and the set of confirmed era transitions, it derives a Summary and
// answers conversion queries against it.
//
// The engine itself holds no state and takes no locks. Only the EpochInfo
// adapter, which caches a Summary across hard-fork events, needs to
// synchronize.
package hardfork

import (
	"fmt"
	"time"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
)

// SafeZone bounds how close to the ledger tip a future era transition is
// allowed to land, and optionally forbids transitions before a fixed epoch.
type SafeZone struct {
	// FromTip is the minimum number of slots, measured from the ledger tip,
	// that must elapse before an unconfirmed era may end.
	FromTip uint64

	// BeforeEpoch, if set, is a lower bound on the end epoch of the final
	// era: no transition may be projected earlier than this epoch.
	BeforeEpoch *chain.EpochNo
}

// EraParams describes one era's slot layout.
type EraParams struct {
	// EpochSize is the number of slots per epoch in this era.
	EpochSize uint64

	// SlotLength is the wall-clock duration of one slot in this era.
	SlotLength time.Duration

	// SafeZone governs how this era's end, if unconfirmed, is projected.
	SafeZone SafeZone
}

// Shape is a statically known, exactly-N sequence of EraParams: one entry
// per era the chain will ever pass through, in order.
type Shape struct {
	eras []EraParams
}

// NewShape validates params and wraps them as a Shape.
//
// Every era must have a positive epoch size and slot length; a Shape must
// name at least one era.
func NewShape(params ...EraParams) (Shape, error) {
	if len(params) == 0 {
		return Shape{}, fmt.Errorf("hardfork: shape must name at least one era")
	}
	for i, p := range params {
		if p.EpochSize == 0 {
			return Shape{}, fmt.Errorf("hardfork: era %d: epoch size must be positive", i)
		}
		if p.SlotLength <= 0 {
			return Shape{}, fmt.Errorf("hardfork: era %d: slot length must be positive", i)
		}
	}
	eras := make([]EraParams, len(params))
	copy(eras, params)
	return Shape{eras: eras}, nil
}

// Len reports the number of eras in the shape.
func (s Shape) Len() int { return len(s.eras) }

// At returns the EraParams for era index x.
func (s Shape) At(x int) EraParams { return s.eras[x] }

// Transitions is an at-most-(N−1) sequence of confirmed transition epochs,
// one per era boundary already known, in era order.
type Transitions struct {
	epochs []chain.EpochNo
}

// NewTransitions validates epochs against shape and wraps them as
// Transitions.
//
// There may be at most len(shape)-1 confirmed transitions (the last era
// never has a confirmed end), and the epochs must be strictly increasing.
func NewTransitions(shape Shape, epochs ...chain.EpochNo) (Transitions, error) {
	if len(epochs) > shape.Len()-1 {
		return Transitions{}, fmt.Errorf(
			"hardfork: %d confirmed transitions exceeds %d eras (at most %d allowed)",
			len(epochs), shape.Len(), shape.Len()-1)
	}
	for i := 1; i < len(epochs); i++ {
		if epochs[i] <= epochs[i-1] {
			return Transitions{}, fmt.Errorf(
				"hardfork: transitions must be strictly increasing, got %d then %d",
				epochs[i-1], epochs[i])
		}
	}
	out := make([]chain.EpochNo, len(epochs))
	copy(out, epochs)
	return Transitions{epochs: out}, nil
}

// Len reports the number of confirmed transitions.
func (t Transitions) Len() int { return len(t.epochs) }

// At returns the confirmed transition epoch for era index x.
func (t Transitions) At(x int) chain.EpochNo { return t.epochs[x] }

// Bound is a point in the joint (time, slot, epoch) coordinate space.
type Bound struct {
	Time  time.Time
	Slot  chain.SlotNo
	Epoch chain.EpochNo
}

func (b Bound) String() string {
	return fmt.Sprintf("Bound{time=%s, slot=%d, epoch=%d}", b.Time.Format(time.RFC3339), b.Slot, b.Epoch)
}

// EraSummary is one era's resolved half-open interval: [Start, End).
type EraSummary struct {
	Start  Bound
	End    Bound
	Params EraParams
}

// contains reports whether x lies in [Start.Slot, End.Slot).
func (e EraSummary) containsSlot(x chain.SlotNo) bool {
	return x >= e.Start.Slot && x < e.End.Slot
}

func (e EraSummary) containsEpoch(x chain.EpochNo) bool {
	return x >= e.Start.Epoch && x < e.End.Epoch
}

func (e EraSummary) containsTime(x time.Time) bool {
	return !x.Before(e.Start.Time) && x.Before(e.End.Time)
}

// Summary is an ordered, non-empty list of EraSummary: summary[k].End ==
// summary[k+1].Start for every adjacent pair.
type Summary struct {
	eras []EraSummary
}

// Eras returns the summary's era list. The caller must not mutate it.
func (s Summary) Eras() []EraSummary { return s.eras }

func (s Summary) String() string {
	return fmt.Sprintf("Summary(%d eras)", len(s.eras))
}
