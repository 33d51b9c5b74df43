package immutabledb

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/demoformat"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/hashcodec"
)

// This file replays a random sequence of operations against both a real DB
// and a deliberately simple in-memory model, asserting that every operation's
// result and the observable tip/entry state match. It is a property test, not
// an on-disk-format compliance test.

type modelEntry struct {
	es   chain.EpochSlot
	hash []byte
	tag  chain.BlockOrEBB
}

type oracle struct {
	epochInfo           fixedEpochInfo
	tip                 chain.Tip
	curEpoch            chain.EpochNo
	blockWrittenInEpoch bool
	blocks              map[chain.SlotNo]modelEntry
	ebbs                map[chain.EpochNo]modelEntry
}

func newOracle(epochSize uint64) *oracle {
	return &oracle{
		epochInfo: fixedEpochInfo{size: epochSize},
		blocks:    make(map[chain.SlotNo]modelEntry),
		ebbs:      make(map[chain.EpochNo]modelEntry),
	}
}

func (o *oracle) advanceToEpoch(target chain.EpochNo) {
	if target > o.curEpoch {
		o.curEpoch = target
		o.blockWrittenInEpoch = false
	}
}

func (o *oracle) appendBlock(slot chain.SlotNo, blockNo uint64, hash []byte) error {
	if info, ok := o.tip.Info(); ok {
		violatesPast := false
		if info.Tag.IsEBB() {
			targetEs, err := o.epochInfo.BlockRelative(slot)
			if err != nil {
				return err
			}
			if targetEs.Epoch < info.EpochSlot.Epoch {
				violatesPast = true
			}
		} else if slot <= info.Tag.Slot {
			violatesPast = true
		}
		if violatesPast {
			return &AppendToSlotInThePastError{Slot: slot, Tip: o.tip}
		}
	}

	es, err := o.epochInfo.BlockRelative(slot)
	if err != nil {
		return err
	}
	o.advanceToEpoch(es.Epoch)
	o.blocks[slot] = modelEntry{es: es, hash: hash, tag: chain.Block(slot)}
	o.blockWrittenInEpoch = true
	o.tip = chain.NewTip(chain.TipInfo{Hash: hash, Tag: chain.Block(slot), BlockNo: blockNo, EpochSlot: es})
	return nil
}

func (o *oracle) appendEBB(epoch chain.EpochNo, blockNo uint64, hash []byte) error {
	if epoch < o.curEpoch || (epoch == o.curEpoch && o.blockWrittenInEpoch) {
		return &AppendToEBBInThePastError{Epoch: epoch, CurrentEpoch: o.curEpoch}
	}
	o.advanceToEpoch(epoch)
	es := chain.EpochSlot{Epoch: epoch, Rel: 0}
	o.ebbs[epoch] = modelEntry{es: es, hash: hash, tag: chain.EBB(epoch)}
	o.tip = chain.NewTip(chain.TipInfo{Hash: hash, Tag: chain.EBB(epoch), BlockNo: blockNo, EpochSlot: es})
	return nil
}

func (o *oracle) getBlockComponent(slot chain.SlotNo) ([]byte, bool, error) {
	info, ok := o.tip.Info()
	if !ok || slot > tipSlot(info) {
		return nil, false, &ReadFutureSlotError{Slot: slot, Tip: o.tip}
	}
	e, found := o.blocks[slot]
	if !found {
		return nil, false, nil
	}
	return e.hash, true, nil
}

func (o *oracle) getEBBComponent(epoch chain.EpochNo) ([]byte, bool, error) {
	info, ok := o.tip.Info()
	if !ok || epoch > info.EpochSlot.Epoch {
		return nil, false, &ReadFutureEBBError{Epoch: epoch, CurrentEpoch: currentEpochOfTip(o.tip)}
	}
	e, found := o.ebbs[epoch]
	if !found {
		return nil, false, nil
	}
	return e.hash, true, nil
}

func esGreater(a, b chain.EpochSlot) bool {
	return a.Epoch > b.Epoch || (a.Epoch == b.Epoch && a.Rel > b.Rel)
}

func (o *oracle) deleteAfter(newTip chain.Tip) {
	curEs, curIsBlock := chain.EpochSlotOfTip(o.tip)
	newEs, newIsBlock := chain.EpochSlotOfTip(newTip)

	if curIsBlock && newIsBlock {
		if newEs.Epoch > curEs.Epoch || (newEs.Epoch == curEs.Epoch && newEs.Rel >= curEs.Rel) {
			return
		}
	} else if !curIsBlock {
		return
	}

	for slot, e := range o.blocks {
		if esGreater(e.es, newEs) || !newIsBlock {
			delete(o.blocks, slot)
		}
	}
	for epoch, e := range o.ebbs {
		if esGreater(e.es, newEs) || !newIsBlock {
			delete(o.ebbs, epoch)
		}
	}

	o.tip = newTip
	if !newIsBlock {
		o.curEpoch = 0
		o.blockWrittenInEpoch = false
		return
	}
	o.curEpoch = newEs.Epoch
	o.blockWrittenInEpoch = false
	for _, e := range o.blocks {
		if e.es.Epoch == newEs.Epoch {
			o.blockWrittenInEpoch = true
			break
		}
	}
}

func Test_ImmutableDB_Matches_Oracle_Model_Property(t *testing.T) {
	seedCount := 20
	opsPerSeed := 150

	for i := 0; i < seedCount; i++ {
		seed := int64(i + 1)
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			const epochSize = 4
			rnd := rand.New(rand.NewSource(seed))
			db := openTestDB(t, epochSize)
			model := newOracle(epochSize)
			codec := hashcodec.Blake2b256{}

			var appendedSlots []chain.SlotNo
			var appendedEpochs []chain.EpochNo
			var tipHistory []chain.Tip

			for op := 0; op < opsPerSeed; op++ {
				switch rnd.Intn(5) {
				case 0: // AppendBlock
					slot := chain.SlotNo(rnd.Intn(40))
					payload := []byte(fmt.Sprintf("block-%d-%d", seed, op))
					hash := codec.Sum(payload)
					info := demoformat.Encode(chain.Block(slot), 0, uint16(len(payload)), hash, payload)

					mErr := model.appendBlock(slot, uint64(op), hash)
					rErr := db.AppendBlock(slot, uint64(op), hash, info)
					requireErrorsMatch(t, mErr, rErr)
					if mErr == nil {
						appendedSlots = append(appendedSlots, slot)
						tip, err := db.GetTip()
						require.NoError(t, err)
						tipHistory = append(tipHistory, tip)
					}

				case 1: // AppendEBB
					epoch := chain.EpochNo(rnd.Intn(10))
					payload := []byte(fmt.Sprintf("ebb-%d-%d", seed, op))
					hash := codec.Sum(payload)
					info := demoformat.Encode(chain.EBB(epoch), 0, uint16(len(payload)), hash, payload)

					mErr := model.appendEBB(epoch, uint64(op), hash)
					rErr := db.AppendEBB(epoch, uint64(op), hash, info)
					requireErrorsMatch(t, mErr, rErr)
					if mErr == nil {
						appendedEpochs = append(appendedEpochs, epoch)
						tip, err := db.GetTip()
						require.NoError(t, err)
						tipHistory = append(tipHistory, tip)
					}

				case 2: // GetBlockComponent
					var slot chain.SlotNo
					if len(appendedSlots) > 0 && rnd.Intn(2) == 0 {
						slot = appendedSlots[rnd.Intn(len(appendedSlots))]
					} else {
						slot = chain.SlotNo(rnd.Intn(40))
					}
					mHash, mFound, mErr := model.getBlockComponent(slot)
					rVal, rFound, rErr := db.GetBlockComponent(slot, Hash())
					requireErrorsMatch(t, mErr, rErr)
					require.Equal(t, mFound, rFound)
					if mFound {
						require.Equal(t, mHash, rVal)
					}

				case 3: // GetEBBComponent
					var epoch chain.EpochNo
					if len(appendedEpochs) > 0 && rnd.Intn(2) == 0 {
						epoch = appendedEpochs[rnd.Intn(len(appendedEpochs))]
					} else {
						epoch = chain.EpochNo(rnd.Intn(10))
					}
					mHash, mFound, mErr := model.getEBBComponent(epoch)
					rVal, rFound, rErr := db.GetEBBComponent(epoch, Hash())
					requireErrorsMatch(t, mErr, rErr)
					require.Equal(t, mFound, rFound)
					if mFound {
						require.Equal(t, mHash, rVal)
					}

				case 4: // DeleteAfter
					var target chain.Tip
					if len(tipHistory) > 0 && rnd.Intn(3) != 0 {
						target = tipHistory[rnd.Intn(len(tipHistory))]
					} else {
						target = chain.Origin
					}
					model.deleteAfter(target)
					require.NoError(t, db.DeleteAfter(target))
				}

				compareTips(t, model, db)
			}
		})
	}
}

func requireErrorsMatch(t *testing.T, model, real error) {
	t.Helper()
	require.Equal(t, model == nil, real == nil, "model=%v real=%v", model, real)
	if model != nil {
		require.IsType(t, model, real)
	}
}

func compareTips(t *testing.T, model *oracle, db *DB) {
	t.Helper()
	tip, err := db.GetTip()
	require.NoError(t, err)
	require.Equal(t, model.tip, tip)
}
