// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the narrow interface the wallet engine uses to talk
// to a chain data source, together with two concrete clients: a poll-based
// esplora HTTP client and a bitcoind RPC client. The engine itself never
// depends on a specific backend, only on the Source contract.
package chain

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNetwork wraps transient transport failures. Errors carrying this
	// sentinel are the only ones worth retrying; everything else a
	// backend returns is deterministic.
	ErrNetwork = errors.New("chain source network error")

	// ErrBroadcast is returned when a backend rejects a submitted
	// transaction (rather than failing to deliver it).
	ErrBroadcast = errors.New("transaction rejected by backend")

	// ErrTxNotFound is returned when a requested transaction is unknown
	// to the backend.
	ErrTxNotFound = errors.New("transaction not found")
)

// Script identifies one output script to query chain data for. The address
// form is carried alongside the raw script because every supported backend
// indexes by address.
type Script struct {
	// PkScript is the raw output script.
	PkScript []byte

	// Address is the encoded address form of PkScript.
	Address string
}

// Key returns the map key under which results for this script are reported.
func (s Script) Key() string {
	return hex.EncodeToString(s.PkScript)
}

// UTXO is one unspent output as reported by a backend.
type UTXO struct {
	// OutPoint is the (txid, vout) identity of the output.
	OutPoint wire.OutPoint

	// Value is the output amount.
	Value btcutil.Amount

	// Confirmed reports whether the funding transaction is mined.
	Confirmed bool
}

// ScriptResult is the chain data for a single queried script.
type ScriptResult struct {
	// Used reports whether the script has any transaction history at
	// all. A script whose outputs were all spent is still used, which is
	// what the ledger's gap-limit scan needs to know.
	Used bool

	// UTXOs are the script's currently unspent outputs.
	UTXOs []UTXO
}

// Source supplies chain data for a set of scripts and submits finalized
// transactions. Implementations are expected to be safe for concurrent use.
// All methods must honor context cancellation; transient failures should be
// reported wrapped in ErrNetwork so the retrying layer can tell them apart
// from deterministic rejections.
type Source interface {
	// FetchScripts returns chain data for each of the given scripts,
	// keyed by Script.Key. Every queried script has an entry in the
	// result, even when it is unused.
	FetchScripts(ctx context.Context,
		scripts []Script) (map[string]ScriptResult, error)

	// FetchTx fetches a full previous transaction. The transaction
	// builder needs it to populate PSBT inputs so an offline signer can
	// verify input amounts on its own.
	FetchTx(ctx context.Context,
		txid *chainhash.Hash) (*wire.MsgTx, error)

	// Broadcast submits a finalized transaction and returns its txid.
	Broadcast(ctx context.Context,
		tx *wire.MsgTx) (*chainhash.Hash, error)
}
