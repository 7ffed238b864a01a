// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/coldwatch/coldwatch/coinselect"
	"github.com/coldwatch/coldwatch/ledger"
	"github.com/coldwatch/coldwatch/txbuilder"
	"github.com/coldwatch/coldwatch/unit"
)

// Request is a sealed interface over the operations a wallet performs. The
// sealed interface pattern is used here to create a closed set of request
// types, so Dispatch can handle every case exhaustively.
type Request interface {
	// isRequest is a marker method that is part of the sealed interface
	// pattern. Only types in this package can implement it.
	isRequest()
}

// BalanceRequest asks for the synced balance and utxo listing.
type BalanceRequest struct{}

// isRequest marks BalanceRequest as an implementation of Request.
func (*BalanceRequest) isRequest() {}

// ReceiveRequest asks for the next unused receive address.
type ReceiveRequest struct{}

// isRequest marks ReceiveRequest as an implementation of Request.
func (*ReceiveRequest) isRequest() {}

// Recipient aliases the builder's payment output type so callers can stay
// within this package.
type Recipient = txbuilder.Recipient

// SendRequest asks for an unsigned funding of the given payments.
type SendRequest struct {
	// Recipients are the payment outputs.
	Recipients []txbuilder.Recipient

	// FeeRate is the target fee rate.
	FeeRate unit.SatPerVByte

	// Strategy orders the candidate coins. Nil selects largest first.
	Strategy coinselect.Strategy

	// DisableRBF turns off the BIP125 replaceability signal.
	DisableRBF bool
}

// isRequest marks SendRequest as an implementation of Request.
func (*SendRequest) isRequest() {}

// BroadcastRequest asks for a signed packet to be finalized and announced
// to the network.
type BroadcastRequest struct {
	// PSBT is the signed packet in base64.
	PSBT string
}

// isRequest marks BroadcastRequest as an implementation of Request.
func (*BroadcastRequest) isRequest() {}

// BalanceResponse reports the synced wallet state.
type BalanceResponse struct {
	// Total is the sum of all unspent outputs.
	Total btcutil.Amount

	// Confirmed is the sum of the mined unspent outputs.
	Confirmed btcutil.Amount

	// UTXOs lists the unspent outputs in stable order.
	UTXOs []ledger.UTXO
}

// ReceiveResponse carries a fresh deposit address.
type ReceiveResponse struct {
	// Address is the next unused external address.
	Address string

	// Index is its derivation index.
	Index uint32

	// Descriptor is the concrete descriptor for exactly this address,
	// with its own checksum. Hardware signers use it to verify the
	// address on their display.
	Descriptor string
}

// SendResponse carries an unsigned transaction ready for an offline
// signer.
type SendResponse struct {
	// PSBT is the unsigned packet in base64.
	PSBT string

	// Fee is the transaction fee.
	Fee btcutil.Amount

	// Selected lists the inputs funding the transaction.
	Selected []ledger.UTXO

	// ChangeIndex is the change derivation index, when HasChange.
	ChangeIndex uint32

	// HasChange reports whether a change output was created.
	HasChange bool
}

// BroadcastResponse reports the announced transaction.
type BroadcastResponse struct {
	// TxID is the hash of the broadcast transaction.
	TxID chainhash.Hash
}

// Dispatch executes a request against the wallet. The response is one of
// the Response structs matching the request type.
func (w *Wallet) Dispatch(ctx context.Context,
	req Request) (interface{}, error) {

	switch req := req.(type) {
	case *BalanceRequest:
		return w.Balance(ctx)

	case *ReceiveRequest:
		return w.NewAddress(ctx)

	case *SendRequest:
		return w.Send(ctx, req)

	case *BroadcastRequest:
		return w.Broadcast(ctx, req.PSBT)

	default:
		// Unreachable for types built from this package.
		return nil, fmt.Errorf("unsupported request type %T", req)
	}
}
