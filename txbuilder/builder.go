// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder assembles unsigned spending transactions from a ledger
// snapshot and emits them as PSBT packets ready for an offline signer.
package txbuilder

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/coldwatch/coldwatch/chain"
	"github.com/coldwatch/coldwatch/coinselect"
	"github.com/coldwatch/coldwatch/descriptor"
	"github.com/coldwatch/coldwatch/ledger"
	"github.com/coldwatch/coldwatch/unit"
)

var (
	// ErrNoRecipients is returned when a funding request names no
	// outputs.
	ErrNoRecipients = errors.New("transaction has no recipients")

	// ErrInvalidDestination is returned when a recipient address does
	// not parse or belongs to another network.
	ErrInvalidDestination = errors.New("invalid destination address")

	// ErrDustOutput is returned when a recipient amount is below the
	// dust threshold.
	ErrDustOutput = errors.New("output amount is dust")
)

const (
	// rbfSequence signals opt-in replace-by-fee per BIP125.
	rbfSequence uint32 = wire.MaxTxInSequenceNum - 2

	// maxSigBytes is the worst-case size of a DER encoded signature
	// plus the sighash flag byte.
	maxSigBytes = 73
)

// Recipient is one requested payment output.
type Recipient struct {
	// Address is the destination, encoded for the wallet's network.
	Address string

	// Amount is the value to pay.
	Amount btcutil.Amount
}

// Request describes the transaction to fund.
type Request struct {
	// Recipients are the payment outputs. At least one is required.
	Recipients []Recipient

	// FeeRate is the target fee rate.
	FeeRate unit.SatPerVByte

	// Strategy orders the candidate coins. Nil selects largest first.
	Strategy coinselect.Strategy

	// DisableRBF turns off the BIP125 replaceability signal. Replacement
	// is on by default so a stuck transaction can be fee bumped.
	DisableRBF bool
}

// Result is a funded but unsigned transaction.
type Result struct {
	// Packet is the PSBT carrying the unsigned transaction and the
	// metadata an offline signer needs.
	Packet *psbt.Packet

	// Plan is the coin selection behind the transaction.
	Plan *coinselect.Plan

	// Fee is the final fee. It includes any change that was folded in
	// because it fell below the dust threshold.
	Fee btcutil.Amount

	// ChangeIndex is the derivation index of the change output. Only
	// meaningful when HasChange is true.
	ChangeIndex uint32

	// HasChange reports whether the transaction carries a change
	// output.
	HasChange bool
}

// Builder funds transactions against snapshots of a descriptor pair.
type Builder struct {
	external *descriptor.Descriptor
	internal *descriptor.Descriptor
	source   chain.Source
	params   *chaincfg.Params
}

// New creates a builder. The internal descriptor may be nil, in which case
// change returns to the external branch. The chain source is used to fetch
// the full previous transaction of every input.
func New(external, internal *descriptor.Descriptor,
	source chain.Source) *Builder {

	return &Builder{
		external: external,
		internal: internal,
		source:   source,
		params:   external.Params(),
	}
}

// Fund selects coins from the snapshot and assembles the unsigned
// transaction for the request. The snapshot is not modified; a later sync
// picks up the spend once the transaction confirms.
func (b *Builder) Fund(ctx context.Context, snap *ledger.Snapshot,
	req *Request) (*Result, error) {

	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	recipientOuts, err := b.recipientOutputs(req.Recipients)
	if err != nil {
		return nil, err
	}

	// Change goes to the first unused index of the change branch, or of
	// the external branch for wallets watching a single descriptor.
	changeDesc := b.internal
	changeIndex := snap.NextInternal
	if changeDesc == nil {
		changeDesc = b.external
		changeIndex = snap.NextExternal
	}
	changeScript, err := scriptFor(changeDesc, changeIndex)
	if err != nil {
		return nil, fmt.Errorf("derive change script: %w", err)
	}

	strategy := req.Strategy
	if strategy == nil {
		strategy = coinselect.SelectLargest
	}

	var target btcutil.Amount
	for _, out := range recipientOuts {
		target += btcutil.Amount(out.Value)
	}

	// The fee estimate always reserves room for the change output.
	// Dropping a dust change later only makes the effective rate
	// slightly higher than requested, never lower.
	feeFunc := func(inputs []ledger.UTXO) btcutil.Amount {
		vsize := b.estimateVirtualSize(
			len(inputs), recipientOuts,
			len(changeScript.PkScript),
		)

		return txrules.FeeForSerializeSize(
			btcutil.Amount(req.FeeRate.FeePerKVByte()),
			int(vsize),
		)
	}

	plan, err := coinselect.Select(
		strategy, snap.Unspent(), target, req.FeeRate, feeFunc,
	)
	if err != nil {
		return nil, err
	}

	// Assemble the unsigned transaction.
	sequence := rbfSequence
	if req.DisableRBF {
		sequence = wire.MaxTxInSequenceNum
	}

	tx := wire.NewMsgTx(2)
	for _, u := range plan.UTXOs {
		txIn := wire.NewTxIn(&u.OutPoint, nil, nil)
		txIn.Sequence = sequence
		tx.AddTxIn(txIn)
	}
	for _, out := range recipientOuts {
		tx.AddTxOut(out)
	}

	fee := plan.Fee
	changeOut := wire.NewTxOut(int64(plan.Change), changeScript.PkScript)
	hasChange := !txrules.IsDustOutput(
		changeOut, txrules.DefaultRelayFeePerKb,
	)
	if hasChange {
		tx.AddTxOut(changeOut)
	} else {
		// A dust change output would cost more to spend than it is
		// worth, give it to the miners instead.
		fee += plan.Change
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("create psbt: %w", err)
	}

	for i, u := range plan.UTXOs {
		err := b.addInputInfo(ctx, &packet.Inputs[i], u)
		if err != nil {
			return nil, fmt.Errorf("populate input %d (%v): %w",
				i, u.OutPoint, err)
		}
	}

	if hasChange {
		addOutputInfo(
			&packet.Outputs[len(packet.Outputs)-1], changeScript,
		)
	}

	log.Debugf("Funded tx with %d inputs, %d outputs, fee %v",
		len(plan.UTXOs), len(tx.TxOut), fee)

	return &Result{
		Packet:      packet,
		Plan:        plan,
		Fee:         fee,
		ChangeIndex: changeIndex,
		HasChange:   hasChange,
	}, nil
}

// recipientOutputs validates the recipients and converts them to outputs.
func (b *Builder) recipientOutputs(
	recipients []Recipient) ([]*wire.TxOut, error) {

	outs := make([]*wire.TxOut, 0, len(recipients))
	for _, r := range recipients {
		addr, err := btcutil.DecodeAddress(r.Address, b.params)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v",
				ErrInvalidDestination, r.Address, err)
		}
		if !addr.IsForNet(b.params) {
			return nil, fmt.Errorf("%w: %q is not a %s address",
				ErrInvalidDestination, r.Address,
				b.params.Name)
		}

		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v",
				ErrInvalidDestination, r.Address, err)
		}

		out := wire.NewTxOut(int64(r.Amount), pkScript)
		if txrules.IsDustOutput(out, txrules.DefaultRelayFeePerKb) {
			return nil, fmt.Errorf("%w: %v to %q", ErrDustOutput,
				r.Amount, r.Address)
		}

		outs = append(outs, out)
	}

	return outs, nil
}

// addInputInfo adds the UTXO and BIP32 derivation info for one input. As a
// fix for CVE-2020-14199 the full previous transaction is always included,
// for segwit inputs in addition to the witness UTXO.
func (b *Builder) addInputInfo(ctx context.Context, in *psbt.PInput,
	u ledger.UTXO) error {

	script, err := scriptFor(b.branchDescriptor(u.Change), u.Index)
	if err != nil {
		return err
	}

	prevTx, err := b.source.FetchTx(ctx, &u.OutPoint.Hash)
	if err != nil {
		return fmt.Errorf("fetch previous tx: %w", err)
	}
	if int(u.OutPoint.Index) >= len(prevTx.TxOut) {
		return fmt.Errorf("previous tx %v has no output %d",
			u.OutPoint.Hash, u.OutPoint.Index)
	}

	in.NonWitnessUtxo = prevTx
	in.SighashType = txscript.SigHashAll
	in.Bip32Derivation = script.Derivations

	switch script.Kind {
	case descriptor.KindPKH:
		// Legacy inputs are fully described by the previous
		// transaction.

	case descriptor.KindWPKH:
		in.WitnessUtxo = &wire.TxOut{
			Value:    int64(u.Amount),
			PkScript: script.PkScript,
		}

	case descriptor.KindSHWPKH:
		in.WitnessUtxo = &wire.TxOut{
			Value:    int64(u.Amount),
			PkScript: script.PkScript,
		}

		// An offline wallet cannot sign for the nested witness
		// program without the redeem script.
		in.RedeemScript = script.RedeemScript

	case descriptor.KindWSHMulti:
		in.WitnessUtxo = &wire.TxOut{
			Value:    int64(u.Amount),
			PkScript: script.PkScript,
		}
		in.WitnessScript = script.WitnessScript
	}

	return nil
}

// addOutputInfo attaches the derivation info of a change output, letting
// the signer verify the change really pays back to the wallet.
func addOutputInfo(out *psbt.POutput, script *descriptor.DerivedScript) {
	out.Bip32Derivation = script.Derivations

	switch script.Kind {
	case descriptor.KindSHWPKH:
		out.RedeemScript = script.RedeemScript

	case descriptor.KindWSHMulti:
		out.WitnessScript = script.WitnessScript
	}
}

// branchDescriptor returns the descriptor for the given branch.
func (b *Builder) branchDescriptor(change bool) *descriptor.Descriptor {
	if change && b.internal != nil {
		return b.internal
	}

	return b.external
}

// scriptFor derives the script at index, falling back to the fixed script
// for non-ranged descriptors.
func scriptFor(desc *descriptor.Descriptor,
	index uint32) (*descriptor.DerivedScript, error) {

	if !desc.IsRange() {
		return desc.Script()
	}

	return desc.ScriptAt(index)
}

// estimateVirtualSize computes the worst-case virtual size of the
// transaction with the given number of inputs. All inputs spend the same
// descriptor kind, so a single count suffices.
func (b *Builder) estimateVirtualSize(numInputs int,
	recipientOuts []*wire.TxOut, changeScriptSize int) unit.VByte {

	switch b.external.Kind {
	case descriptor.KindPKH:
		return unit.VByte(txsizes.EstimateVirtualSize(
			numInputs, 0, 0, 0, recipientOuts, changeScriptSize,
		))

	case descriptor.KindWPKH:
		return unit.VByte(txsizes.EstimateVirtualSize(
			0, 0, numInputs, 0, recipientOuts, changeScriptSize,
		))

	case descriptor.KindSHWPKH:
		return unit.VByte(txsizes.EstimateVirtualSize(
			0, 0, 0, numInputs, recipientOuts, changeScriptSize,
		))

	case descriptor.KindWSHMulti:
		return b.estimateMultisigVirtualSize(
			numInputs, recipientOuts, changeScriptSize,
		)
	}

	// Unreachable, the parser only produces the kinds above.
	return 0
}

// estimateMultisigVirtualSize computes the worst-case virtual size of a
// transaction spending P2WSH multisig inputs. The txsizes estimator has no
// entry for those, so the weight is assembled from the script parameters.
func (b *Builder) estimateMultisigVirtualSize(numInputs int,
	recipientOuts []*wire.TxOut, changeScriptSize int) unit.VByte {

	m := b.external.Threshold
	n := len(b.external.Keys)

	// OP_m <n pubkeys> OP_n OP_CHECKMULTISIG.
	witnessScriptSize := 1 + n*(1+33) + 1 + 1

	// Item count, the empty item consumed by OP_CHECKMULTISIG, m
	// signatures and the witness script.
	witnessSize := 1 + 1 + m*(1+maxSigBytes) +
		wire.VarIntSerializeSize(uint64(witnessScriptSize)) +
		witnessScriptSize

	// Base transaction size, serialized without any witness data. Every
	// input carries an empty signature script.
	baseSize := 8 +
		wire.VarIntSerializeSize(uint64(numInputs)) +
		numInputs*(32+4+1+4) +
		wire.VarIntSerializeSize(uint64(len(recipientOuts)+1))
	for _, out := range recipientOuts {
		baseSize += 8 +
			wire.VarIntSerializeSize(uint64(len(out.PkScript))) +
			len(out.PkScript)
	}
	baseSize += 8 +
		wire.VarIntSerializeSize(uint64(changeScriptSize)) +
		changeScriptSize

	// Marker and flag bytes plus the per input witnesses.
	witnessTotal := 2 + numInputs*witnessSize

	weight := baseSize*4 + witnessTotal

	return unit.WeightUnit(weight).ToVB()
}
