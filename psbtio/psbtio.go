// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package psbtio moves partially signed transactions across the airgap. It
// decodes and encodes the base64 interchange format, classifies how far
// along the signing flow a packet is, and finalizes signed packets into
// broadcastable transactions.
package psbtio

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrMalformedPSBT is returned when the packet cannot be decoded at
	// all.
	ErrMalformedPSBT = errors.New("malformed psbt")

	// ErrInconsistentPSBT is returned when a packet decodes but its
	// contents contradict each other.
	ErrInconsistentPSBT = errors.New("inconsistent psbt")

	// ErrIncompleteSignatures is returned when finalization fails
	// because one or more inputs lack the required signatures.
	ErrIncompleteSignatures = errors.New("incomplete signatures")

	// ErrInvalidSignature is returned when a finalized input does not
	// execute against the output script it spends.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNotFinalized is returned when a transaction is extracted from
	// a packet that has not been finalized.
	ErrNotFinalized = errors.New("psbt not finalized")
)

// State describes how far along the signing flow a packet is.
type State uint8

const (
	// StateUnsigned is a freshly funded packet without any signatures.
	StateUnsigned State = iota

	// StatePartiallySigned has signatures on at least one input but
	// cannot be finalized yet.
	StatePartiallySigned

	// StateFinalized carries a final witness or signature script on
	// every input and is ready for extraction.
	StateFinalized
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnsigned:
		return "unsigned"
	case StatePartiallySigned:
		return "partially signed"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown state %d", uint8(s))
	}
}

// Decode parses a base64 packet and checks it for internal consistency.
func Decode(encoded string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(encoded)), true,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPSBT, err)
	}

	if err := checkConsistency(packet); err != nil {
		return nil, err
	}

	return packet, nil
}

// Encode serializes a packet to the base64 interchange format.
func Encode(packet *psbt.Packet) (string, error) {
	return packet.B64Encode()
}

// checkConsistency rejects packets whose sections contradict the unsigned
// transaction they carry.
func checkConsistency(packet *psbt.Packet) error {
	tx := packet.UnsignedTx
	if tx == nil {
		return fmt.Errorf("%w: no unsigned transaction",
			ErrInconsistentPSBT)
	}

	if len(packet.Inputs) != len(tx.TxIn) {
		return fmt.Errorf("%w: %d input sections for %d inputs",
			ErrInconsistentPSBT, len(packet.Inputs),
			len(tx.TxIn))
	}
	if len(packet.Outputs) != len(tx.TxOut) {
		return fmt.Errorf("%w: %d output sections for %d outputs",
			ErrInconsistentPSBT, len(packet.Outputs),
			len(tx.TxOut))
	}

	seen := make(map[wire.OutPoint]struct{}, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint
		if _, ok := seen[op]; ok {
			return fmt.Errorf("%w: duplicate input %v",
				ErrInconsistentPSBT, op)
		}
		seen[op] = struct{}{}
	}

	// A non-witness UTXO must actually contain the output the input
	// spends, and it must be the transaction named by the outpoint.
	for idx, in := range packet.Inputs {
		if in.NonWitnessUtxo == nil {
			continue
		}

		op := tx.TxIn[idx].PreviousOutPoint
		if in.NonWitnessUtxo.TxHash() != op.Hash {
			return fmt.Errorf("%w: input %d previous tx does "+
				"not match outpoint %v", ErrInconsistentPSBT,
				idx, op)
		}
		if int(op.Index) >= len(in.NonWitnessUtxo.TxOut) {
			return fmt.Errorf("%w: input %d previous tx has no "+
				"output %d", ErrInconsistentPSBT, idx,
				op.Index)
		}
	}

	return nil
}

// StateOf classifies the signing progress of a packet.
func StateOf(packet *psbt.Packet) State {
	finalized := true
	signed := false

	for _, in := range packet.Inputs {
		if in.FinalScriptSig == nil && in.FinalScriptWitness == nil {
			finalized = false
		}
		if len(in.PartialSigs) > 0 {
			signed = true
		}
	}

	switch {
	case len(packet.Inputs) > 0 && finalized:
		return StateFinalized
	case signed:
		return StatePartiallySigned
	default:
		return StateUnsigned
	}
}

// Finalize turns the partial signatures of every input into final scripts
// and verifies them against the outputs they spend. The input packet is
// never modified; either a fully finalized copy is returned or an error.
func Finalize(packet *psbt.Packet) (*psbt.Packet, error) {
	work, err := clonePacket(packet)
	if err != nil {
		return nil, err
	}

	if err := psbt.MaybeFinalizeAll(work); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteSignatures,
			err)
	}

	// Run every final script to catch signatures that are present but
	// wrong before anything reaches a broadcaster.
	finalTx, err := psbt.Extract(work)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteSignatures,
			err)
	}
	if err := validateFinalTx(finalTx, work); err != nil {
		return nil, err
	}

	return work, nil
}

// ExtractTx returns the fully signed wire transaction of a finalized
// packet.
func ExtractTx(packet *psbt.Packet) (*wire.MsgTx, error) {
	if StateOf(packet) != StateFinalized {
		return nil, ErrNotFinalized
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFinalized, err)
	}

	return tx, nil
}

// clonePacket deep copies a packet through its serialized form.
func clonePacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistentPSBT, err)
	}

	clone, err := psbt.NewFromRawBytes(
		bytes.NewReader(buf.Bytes()), false,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPSBT, err)
	}

	return clone, nil
}

// prevOutputFetcher returns a txscript.PrevOutputFetcher built from the
// UTXO information in a packet.
func prevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[idx]

		// Skip any input that has no UTXO.
		if in.WitnessUtxo == nil && in.NonWitnessUtxo == nil {
			continue
		}

		if in.NonWitnessUtxo != nil {
			prevIndex := txIn.PreviousOutPoint.Index
			fetcher.AddPrevOut(
				txIn.PreviousOutPoint,
				in.NonWitnessUtxo.TxOut[prevIndex],
			)

			continue
		}

		// Fall back to witness UTXO only for older wallets.
		if in.WitnessUtxo != nil {
			fetcher.AddPrevOut(
				txIn.PreviousOutPoint, in.WitnessUtxo,
			)
		}
	}

	return fetcher
}

// validateFinalTx verifies every input script of the extracted transaction
// against the previous outputs recorded in the packet.
func validateFinalTx(tx *wire.MsgTx, packet *psbt.Packet) error {
	fetcher := prevOutputFetcher(packet)
	hashCache := txscript.NewTxSigHashes(tx, fetcher)

	for i, txIn := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if prevOut == nil {
			return fmt.Errorf("%w: no utxo for input %d",
				ErrInconsistentPSBT, i)
		}

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, hashCache,
			prevOut.Value, fetcher,
		)
		if err != nil {
			return fmt.Errorf("%w: input %d: %v",
				ErrInvalidSignature, i, err)
		}

		if err := vm.Execute(); err != nil {
			return fmt.Errorf("%w: input %d: %v",
				ErrInvalidSignature, i, err)
		}
	}

	return nil
}
