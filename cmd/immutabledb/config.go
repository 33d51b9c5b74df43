package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/hardfork"
)

// eraConfig mirrors hardfork.EraParams in a JSON-friendly shape.
type eraConfig struct {
	EpochSize    uint64 `json:"epochSize"`
	SlotLengthMs int64  `json:"slotLengthMs"`
	SafeZone     struct {
		FromTip     uint64  `json:"fromTip"`
		BeforeEpoch *uint64 `json:"beforeEpoch,omitempty"`
	} `json:"safeZone"`
}

// fileConfig is the on-disk shape of the hard-fork history config file,
// parsed with hujson so operators can leave `//` comments and trailing
// commas in it.
type fileConfig struct {
	SystemStart string      `json:"systemStart"` // RFC3339
	LedgerTip   uint64      `json:"ledgerTip"`
	Eras        []eraConfig `json:"eras"`
	Transitions []uint64    `json:"transitions"`
}

// loadEpochInfo reads path, standardizes it (hujson -> plain JSON), and
// builds the hard-fork EpochInfo this CLI feeds to immutabledb.
func loadEpochInfo(path string) (*hardfork.EpochInfo, time.Time, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(std, &fc); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding config %s: %w", path, err)
	}

	systemStart, err := time.Parse(time.RFC3339, fc.SystemStart)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("config %s: systemStart: %w", path, err)
	}

	params := make([]hardfork.EraParams, len(fc.Eras))
	for i, e := range fc.Eras {
		var beforeEpoch *chain.EpochNo
		if e.SafeZone.BeforeEpoch != nil {
			v := chain.EpochNo(*e.SafeZone.BeforeEpoch)
			beforeEpoch = &v
		}
		params[i] = hardfork.EraParams{
			EpochSize:  e.EpochSize,
			SlotLength: time.Duration(e.SlotLengthMs) * time.Millisecond,
			SafeZone: hardfork.SafeZone{
				FromTip:     e.SafeZone.FromTip,
				BeforeEpoch: beforeEpoch,
			},
		}
	}
	shape, err := hardfork.NewShape(params...)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("config %s: %w", path, err)
	}

	epochs := make([]chain.EpochNo, len(fc.Transitions))
	for i, e := range fc.Transitions {
		epochs[i] = chain.EpochNo(e)
	}
	transitions, err := hardfork.NewTransitions(shape, epochs...)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("config %s: %w", path, err)
	}

	ledgerTip := chain.SlotNo(fc.LedgerTip)
	fetch := func() (hardfork.Summary, error) {
		return hardfork.Summarize(systemStart, ledgerTip, shape, transitions)
	}
	initial, err := fetch()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("config %s: %w", path, err)
	}
	return hardfork.NewEpochInfo(initial, fetch), systemStart, nil
}
