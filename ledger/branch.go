// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/coldwatch/coldwatch/descriptor"
)

// branchState maintains the required state in-order to properly scan one
// derivation branch of a descriptor, i.e. the external or the change
// branch.
//
// A branch state supports operations for:
//   - Expanding the look-ahead horizon based on which indexes have been
//     found on chain.
//   - Registering derived scripts with indexes within the horizon.
//   - Reporting an invalid child index that falls into the horizon.
//   - Reporting that a script has been found.
//   - Looking up a derived script by its child index.
type branchState struct {
	// desc is the ranged descriptor scripts are derived from.
	desc *descriptor.Descriptor

	// gapLimit defines the key-derivation lookahead used while scanning
	// this branch.
	gapLimit uint32

	// horizon records the highest child index watched by this branch.
	horizon uint32

	// nextUnfound maintains the child index of the successor to the
	// highest index that has been found on chain.
	nextUnfound uint32

	// scripts is a map of child index to derived script for all actively
	// watched scripts belonging to this branch.
	scripts map[uint32]*descriptor.DerivedScript

	// invalidChildren records the set of child indexes that derive to
	// invalid keys.
	invalidChildren map[uint32]struct{}
}

// newBranchState creates a branch state that tracks scripts derived from
// the given ranged descriptor.
func newBranchState(desc *descriptor.Descriptor,
	gapLimit uint32) *branchState {

	return &branchState{
		desc:            desc,
		gapLimit:        gapLimit,
		scripts:         make(map[uint32]*descriptor.DerivedScript),
		invalidChildren: make(map[uint32]struct{}),
	}
}

// extendHorizon returns the current horizon and the number of scripts that
// must be derived in order to maintain the desired lookahead window.
func (bs *branchState) extendHorizon() (uint32, uint32) {
	// Compute the new horizon, which should surpass the last found index
	// by the gap limit.
	curHorizon := bs.horizon

	nInvalid := bs.numInvalidInHorizon()
	minValidHorizon := bs.nextUnfound + bs.gapLimit + nInvalid

	// If the current horizon is sufficient, we will not have to derive
	// any new scripts.
	if curHorizon >= minValidHorizon {
		return curHorizon, 0
	}

	// Otherwise, the number of scripts we should derive corresponds to
	// the delta of the two horizons, and we update our new horizon.
	delta := minValidHorizon - curHorizon
	bs.horizon = minValidHorizon

	return curHorizon, delta
}

// deriveWindow extends the lookahead window if necessary and derives the
// scripts needed to fill it. The returned scripts are the newly derived
// ones only; previously derived scripts remain cached on the branch.
func (bs *branchState) deriveWindow() ([]*descriptor.DerivedScript, error) {
	curHorizon, windowToDerive := bs.extendHorizon()
	count, childIndex := uint32(0), curHorizon

	var newScripts []*descriptor.DerivedScript
	for count < windowToDerive {
		script, err := bs.desc.ScriptAt(childIndex)
		if err != nil {
			// Skip the rare child indexes that derive to invalid
			// keys, making sure the window still holds the full
			// number of valid scripts.
			if errors.Is(err, hdkeychain.ErrInvalidChild) {
				bs.markInvalidChild(childIndex)
				childIndex++

				continue
			}

			return nil, fmt.Errorf("derive script %d: %w",
				childIndex, err)
		}

		bs.scripts[childIndex] = script

		newScripts = append(newScripts, script)

		childIndex++
		count++
	}

	return newScripts, nil
}

// script returns the cached derived script for the given child index.
func (bs *branchState) script(index uint32) *descriptor.DerivedScript {
	return bs.scripts[index]
}

// reportFound updates the last found index if the reported index exceeds
// the current value.
func (bs *branchState) reportFound(index uint32) {
	if index >= bs.nextUnfound {
		bs.nextUnfound = index + 1

		// Prune all invalid child indexes that fall below the last
		// found index, they no longer affect the required lookahead.
		for childIndex := range bs.invalidChildren {
			if childIndex < index {
				delete(bs.invalidChildren, childIndex)
			}
		}
	}
}

// markInvalidChild records that a particular child index derives to an
// invalid key. The branch's horizon is incremented, as the caller is
// expected to perform an additional derivation to replace the invalid
// child.
func (bs *branchState) markInvalidChild(index uint32) {
	bs.invalidChildren[index] = struct{}{}
	bs.horizon++
}

// numInvalidInHorizon computes the number of invalid child indexes that lie
// between the last found index and the current horizon.
func (bs *branchState) numInvalidInHorizon() uint32 {
	var nInvalid uint32
	for childIndex := range bs.invalidChildren {
		if bs.nextUnfound <= childIndex && childIndex < bs.horizon {
			nInvalid++
		}
	}

	return nInvalid
}
