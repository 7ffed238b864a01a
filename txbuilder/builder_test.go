// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/stretchr/testify/require"

	"github.com/coldwatch/coldwatch/chain"
	"github.com/coldwatch/coldwatch/coinselect"
	"github.com/coldwatch/coldwatch/descriptor"
	"github.com/coldwatch/coldwatch/ledger"
)

// BIP32 test vector master public keys.
const (
	testXPub1 = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8Nqtwy" +
		"bGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
	testXPub2 = "xpub661MyMwAqRbcFW31YEwpkMuc5THy2PSt5bDMsktWQcFF8syA" +
		"mRUapSCGu8ED9W6oDMSgv6Zz8idoc4a6mr8BDzTJY47LJhkJ8UB7WEGuduB"
	testXPub3 = "xpub661MyMwAqRbcEZVB4dScxMAdx6d4nFc9nvyvH3v4gJL378CS" +
		"RZiYmhRoP7mBy6gSPSCYk6SzXPTf3ND1cZAceL7SfJ1Z3GC8vBgp2epUt13"
)

// fakeSource serves previous transactions from a map and rejects
// everything else.
type fakeSource struct {
	txs map[chainhash.Hash]*wire.MsgTx
}

func newFakeSource() *fakeSource {
	return &fakeSource{txs: make(map[chainhash.Hash]*wire.MsgTx)}
}

func (f *fakeSource) FetchScripts(_ context.Context,
	_ []chain.Script) (map[string]chain.ScriptResult, error) {

	return nil, chain.ErrNetwork
}

func (f *fakeSource) FetchTx(_ context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	tx, ok := f.txs[*txid]
	if !ok {
		return nil, chain.ErrTxNotFound
	}

	return tx, nil
}

func (f *fakeSource) Broadcast(_ context.Context,
	_ *wire.MsgTx) (*chainhash.Hash, error) {

	return nil, chain.ErrBroadcast
}

func mustDescriptor(t *testing.T, body string) *descriptor.Descriptor {
	t.Helper()

	full, err := descriptor.AppendChecksum(body)
	require.NoError(t, err)

	desc, err := descriptor.Parse(full, &chaincfg.MainNetParams)
	require.NoError(t, err)

	return desc
}

// testHarness bundles a builder with the fake source and snapshot feeding
// it.
type testHarness struct {
	builder *Builder
	source  *fakeSource
	snap    *ledger.Snapshot

	external *descriptor.Descriptor
	internal *descriptor.Descriptor
}

func newHarness(t *testing.T, externalBody,
	internalBody string) *testHarness {

	t.Helper()

	h := &testHarness{
		source:   newFakeSource(),
		snap:     ledger.NewSnapshot(),
		external: mustDescriptor(t, externalBody),
	}
	if internalBody != "" {
		h.internal = mustDescriptor(t, internalBody)
	}
	h.builder = New(h.external, h.internal, h.source)

	return h
}

// fund creates a confirmed utxo at the given external index, backed by a
// previous transaction the fake source can serve.
func (h *testHarness) fund(t *testing.T, index uint32,
	amount btcutil.Amount) {

	t.Helper()

	script, err := h.external.ScriptAt(index)
	require.NoError(t, err)

	prevTx := wire.NewMsgTx(2)
	prevTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	prevTx.AddTxOut(wire.NewTxOut(int64(amount), script.PkScript))

	hash := prevTx.TxHash()
	h.source.txs[hash] = prevTx

	op := *wire.NewOutPoint(&hash, 0)
	h.snap.UTXOs[op] = ledger.UTXO{
		OutPoint:  op,
		Amount:    amount,
		PkScript:  script.PkScript,
		Index:     index,
		Confirmed: true,
	}
	if index >= h.snap.NextExternal {
		h.snap.NextExternal = index + 1
	}
}

// destination returns a fresh address of the wallet's own network, far
// outside any scanned range.
func (h *testHarness) destination(t *testing.T) string {
	t.Helper()

	script, err := h.external.ScriptAt(10_000)
	require.NoError(t, err)

	return script.Address.EncodeAddress()
}

func wpkhHarness(t *testing.T) *testHarness {
	return newHarness(t,
		fmt.Sprintf("wpkh(%s/0/*)", testXPub1),
		fmt.Sprintf("wpkh(%s/1/*)", testXPub1),
	)
}

func TestFundNoRecipients(t *testing.T) {
	t.Parallel()

	h := wpkhHarness(t)

	_, err := h.builder.Fund(context.Background(), h.snap, &Request{
		FeeRate: 1,
	})
	require.ErrorIs(t, err, ErrNoRecipients)
}

func TestFundInvalidDestination(t *testing.T) {
	t.Parallel()

	h := wpkhHarness(t)
	h.fund(t, 0, 100_000)

	for _, addr := range []string{
		"not-an-address",
		// Valid bech32, wrong network.
		"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
	} {
		_, err := h.builder.Fund(
			context.Background(), h.snap, &Request{
				Recipients: []Recipient{
					{Address: addr, Amount: 50_000},
				},
				FeeRate: 1,
			},
		)
		require.ErrorIs(t, err, ErrInvalidDestination, addr)
	}
}

func TestFundDustRecipient(t *testing.T) {
	t.Parallel()

	h := wpkhHarness(t)
	h.fund(t, 0, 100_000)

	_, err := h.builder.Fund(context.Background(), h.snap, &Request{
		Recipients: []Recipient{
			{Address: h.destination(t), Amount: 100},
		},
		FeeRate: 1,
	})
	require.ErrorIs(t, err, ErrDustOutput)
}

func TestFundInsufficientFunds(t *testing.T) {
	t.Parallel()

	h := wpkhHarness(t)
	h.fund(t, 0, 20_000)
	h.fund(t, 1, 10_000)

	_, err := h.builder.Fund(context.Background(), h.snap, &Request{
		Recipients: []Recipient{
			{Address: h.destination(t), Amount: 40_000},
		},
		FeeRate: 1,
	})
	require.ErrorIs(t, err, coinselect.ErrInsufficientFunds)
}

// TestFundHappyPath funds a payment from a wpkh wallet and checks the
// assembled PSBT end to end.
func TestFundHappyPath(t *testing.T) {
	t.Parallel()

	h := wpkhHarness(t)
	h.fund(t, 0, 50_000)
	h.fund(t, 3, 30_000)

	result, err := h.builder.Fund(context.Background(), h.snap, &Request{
		Recipients: []Recipient{
			{Address: h.destination(t), Amount: 40_000},
		},
		FeeRate: 2,
	})
	require.NoError(t, err)

	tx := result.Packet.UnsignedTx
	require.EqualValues(t, 2, tx.Version)

	// The largest coin covers the payment alone.
	require.Len(t, tx.TxIn, 1)
	require.Equal(t, rbfSequence, tx.TxIn[0].Sequence)

	// Recipient plus change.
	require.True(t, result.HasChange)
	require.Len(t, tx.TxOut, 2)
	require.EqualValues(t, 40_000, tx.TxOut[0].Value)

	// Value is conserved.
	change := btcutil.Amount(tx.TxOut[1].Value)
	require.Equal(t, btcutil.Amount(50_000), 40_000+change+result.Fee)

	// The fee matches the txsizes estimate at 2 sat/vb.
	expectedSize := txsizes.EstimateVirtualSize(
		0, 0, 1, 0, tx.TxOut[:1], txsizes.P2WPKHPkScriptSize,
	)
	expectedFee := txrules.FeeForSerializeSize(2_000, expectedSize)
	require.Equal(t, expectedFee, result.Fee)

	// Change pays to the first unused change index.
	require.Equal(t, uint32(0), result.ChangeIndex)
	changeScript, err := h.internal.ScriptAt(0)
	require.NoError(t, err)
	require.Equal(t, changeScript.PkScript, tx.TxOut[1].PkScript)

	// The input carries everything an offline signer needs.
	in := result.Packet.Inputs[0]
	require.NotNil(t, in.NonWitnessUtxo)
	require.NotNil(t, in.WitnessUtxo)
	require.EqualValues(t, 50_000, in.WitnessUtxo.Value)
	require.Equal(t, txscript.SigHashAll, in.SighashType)
	require.Len(t, in.Bip32Derivation, 1)

	// The change output carries its derivation hint.
	require.Len(
		t, result.Packet.Outputs[1].Bip32Derivation, 1,
	)
}

func TestFundDisableRBF(t *testing.T) {
	t.Parallel()

	h := wpkhHarness(t)
	h.fund(t, 0, 100_000)

	result, err := h.builder.Fund(context.Background(), h.snap, &Request{
		Recipients: []Recipient{
			{Address: h.destination(t), Amount: 50_000},
		},
		FeeRate:    1,
		DisableRBF: true,
	})
	require.NoError(t, err)

	for _, in := range result.Packet.UnsignedTx.TxIn {
		require.Equal(
			t, uint32(wire.MaxTxInSequenceNum), in.Sequence,
		)
	}
}

// TestFundDustChange verifies that a change amount below the dust
// threshold is folded into the fee instead of creating an output.
func TestFundDustChange(t *testing.T) {
	t.Parallel()

	h := wpkhHarness(t)

	// Compute the exact fee of a 1-in, 1-out-plus-change transaction at
	// 1 sat/vb, then size the coin so exactly 200 sats remain.
	recipientOut := wire.NewTxOut(
		40_000, make([]byte, txsizes.P2WPKHPkScriptSize),
	)
	size := txsizes.EstimateVirtualSize(
		0, 0, 1, 0, []*wire.TxOut{recipientOut},
		txsizes.P2WPKHPkScriptSize,
	)
	fee := txrules.FeeForSerializeSize(1_000, size)

	h.fund(t, 0, 40_000+fee+200)

	result, err := h.builder.Fund(context.Background(), h.snap, &Request{
		Recipients: []Recipient{
			{Address: h.destination(t), Amount: 40_000},
		},
		FeeRate: 1,
	})
	require.NoError(t, err)

	require.False(t, result.HasChange)
	require.Len(t, result.Packet.UnsignedTx.TxOut, 1)
	require.Equal(t, fee+200, result.Fee)
}

// TestFundChangeWithoutInternalDescriptor verifies that a wallet watching
// a single descriptor sends change back to its external branch.
func TestFundChangeWithoutInternalDescriptor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fmt.Sprintf("wpkh(%s/0/*)", testXPub1), "")
	h.fund(t, 0, 100_000)
	h.fund(t, 4, 10_000)

	result, err := h.builder.Fund(context.Background(), h.snap, &Request{
		Recipients: []Recipient{
			{Address: h.destination(t), Amount: 50_000},
		},
		FeeRate: 1,
	})
	require.NoError(t, err)

	require.True(t, result.HasChange)
	require.Equal(t, h.snap.NextExternal, result.ChangeIndex)

	changeScript, err := h.external.ScriptAt(result.ChangeIndex)
	require.NoError(t, err)

	tx := result.Packet.UnsignedTx
	require.Equal(t, changeScript.PkScript, tx.TxOut[1].PkScript)
}

// TestFundMultisig verifies the PSBT metadata for a 2-of-3 P2WSH wallet.
func TestFundMultisig(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fmt.Sprintf(
		"wsh(multi(2,%s/0/*,%s/0/*,%s/0/*))",
		testXPub1, testXPub2, testXPub3,
	), "")
	h.fund(t, 0, 200_000)

	result, err := h.builder.Fund(context.Background(), h.snap, &Request{
		Recipients: []Recipient{
			{Address: h.destination(t), Amount: 100_000},
		},
		FeeRate: 1,
	})
	require.NoError(t, err)

	in := result.Packet.Inputs[0]
	require.NotNil(t, in.NonWitnessUtxo)
	require.NotNil(t, in.WitnessUtxo)
	require.NotNil(t, in.WitnessScript)
	require.Nil(t, in.RedeemScript)

	// One derivation hint per cosigner.
	require.Len(t, in.Bip32Derivation, 3)

	// A 2-of-3 spend is far heavier than a wpkh one; the fee must
	// reflect that.
	require.Greater(t, int64(result.Fee), int64(150))
}

// TestFundMissingPrevTx verifies that a selected input whose funding
// transaction the backend cannot serve fails the build.
func TestFundMissingPrevTx(t *testing.T) {
	t.Parallel()

	h := wpkhHarness(t)
	h.fund(t, 0, 100_000)

	// Drop the previous transaction from the source.
	h.source.txs = make(map[chainhash.Hash]*wire.MsgTx)

	_, err := h.builder.Fund(context.Background(), h.snap, &Request{
		Recipients: []Recipient{
			{Address: h.destination(t), Amount: 50_000},
		},
		FeeRate: 1,
	})
	require.ErrorIs(t, err, chain.ErrTxNotFound)
}
