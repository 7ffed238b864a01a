// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinselect picks the unspent outputs that fund a payment. A
// Strategy arranges the candidate coins, and Select accumulates them in
// that order until the target plus the fee is covered.
package coinselect

import (
	"bytes"
	"errors"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/coldwatch/coldwatch/ledger"
	"github.com/coldwatch/coldwatch/unit"
)

var (
	// ErrInsufficientFunds is returned when the eligible coins cannot
	// cover the target amount plus the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Strategy is an interface that represents a coin selection strategy. A
// coin selection strategy is responsible for ordering, shuffling or
// filtering a list of coins before they are accumulated.
type Strategy interface {
	// ArrangeCoins takes a list of coins and arranges them according to
	// the specified coin selection strategy and fee rate.
	ArrangeCoins(eligible []ledger.UTXO,
		feeRate unit.SatPerVByte) ([]ledger.UTXO, error)
}

var (
	// SelectLargest always picks the largest available utxo to add to
	// the transaction next.
	SelectLargest Strategy = &LargestFirstSelector{}

	// SelectRandom randomly selects the next utxo to add to the
	// transaction. This strategy prevents the creation of ever smaller
	// utxos over time.
	SelectRandom Strategy = &RandomSelector{}
)

// FeeFunc returns the fee for a transaction spending the given inputs. The
// caller supplies it so the fee can grow with the input count while the
// selection runs.
type FeeFunc func(inputs []ledger.UTXO) btcutil.Amount

// Plan is the outcome of a selection round.
type Plan struct {
	// UTXOs are the selected inputs, in selection order.
	UTXOs []ledger.UTXO

	// Total is the combined value of the selected inputs.
	Total btcutil.Amount

	// Fee is the fee implied by the selected inputs.
	Fee btcutil.Amount

	// Change is what remains after the target and the fee. It may fall
	// below the dust threshold; deciding what to do then is the
	// transaction builder's call.
	Change btcutil.Amount
}

// Select accumulates coins in strategy order until target plus the fee
// reported by feeFunc is covered. The fee is re-evaluated after every
// added input, since each input grows the transaction.
func Select(strategy Strategy, eligible []ledger.UTXO,
	target btcutil.Amount, feeRate unit.SatPerVByte,
	feeFunc FeeFunc) (*Plan, error) {

	arranged, err := strategy.ArrangeCoins(eligible, feeRate)
	if err != nil {
		return nil, err
	}

	var (
		selected []ledger.UTXO
		total    btcutil.Amount
	)
	for _, coin := range arranged {
		selected = append(selected, coin)
		total += coin.Amount

		fee := feeFunc(selected)
		if total >= target+fee {
			return &Plan{
				UTXOs:  selected,
				Total:  total,
				Fee:    fee,
				Change: total - target - fee,
			}, nil
		}
	}

	return nil, ErrInsufficientFunds
}

// inputYieldsPositively returns a boolean indicating whether this input
// yields positively if added to a transaction. This determination is based
// on the best-case added virtual size. For edge cases this function can
// return true while the input is yielding slightly negative as part of the
// final transaction.
func inputYieldsPositively(coin ledger.UTXO,
	feeRate unit.SatPerVByte) bool {

	inputSize := txsizes.GetMinInputVirtualSize(coin.PkScript)
	inputFee := feeRate.FeePerKVByte().FeeForVSize(
		unit.VByte(inputSize),
	)

	return inputFee < coin.Amount
}

// byAmount sorts coins by their amount, breaking ties by outpoint so the
// ordering is reproducible across syncs.
type byAmount []ledger.UTXO

func (s byAmount) Len() int { return len(s) }
func (s byAmount) Less(i, j int) bool {
	if s[i].Amount != s[j].Amount {
		return s[i].Amount < s[j].Amount
	}

	hashCmp := bytes.Compare(
		s[i].OutPoint.Hash[:], s[j].OutPoint.Hash[:],
	)
	if hashCmp != 0 {
		// Reversed below, so order descending here to end up with
		// ascending txids among equal amounts.
		return hashCmp > 0
	}

	return s[i].OutPoint.Index > s[j].OutPoint.Index
}
func (s byAmount) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// LargestFirstSelector is an implementation of the Strategy that always
// selects the largest coins first.
type LargestFirstSelector struct{}

// ArrangeCoins takes a list of coins and arranges them according to the
// specified coin selection strategy and fee rate.
func (*LargestFirstSelector) ArrangeCoins(eligible []ledger.UTXO,
	_ unit.SatPerVByte) ([]ledger.UTXO, error) {

	sort.Sort(sort.Reverse(byAmount(eligible)))

	return eligible, nil
}

// RandomSelector is an implementation of the Strategy that selects coins at
// random. This prevents the creation of ever smaller UTXOs over time that
// may never become economical to spend.
type RandomSelector struct{}

// ArrangeCoins takes a list of coins and arranges them according to the
// specified coin selection strategy and fee rate.
func (*RandomSelector) ArrangeCoins(eligible []ledger.UTXO,
	feeRate unit.SatPerVByte) ([]ledger.UTXO, error) {

	// Skip inputs that do not raise the total transaction output value
	// at the requested fee rate.
	positivelyYielding := make([]ledger.UTXO, 0, len(eligible))
	for _, coin := range eligible {
		if !inputYieldsPositively(coin, feeRate) {
			continue
		}

		positivelyYielding = append(positivelyYielding, coin)
	}

	rand.Shuffle(len(positivelyYielding), func(i, j int) {
		positivelyYielding[i], positivelyYielding[j] =
			positivelyYielding[j], positivelyYielding[i]
	})

	return positivelyYielding, nil
}
