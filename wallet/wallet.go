// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties the descriptor, ledger, builder and chain layers
// together into a watch-only wallet. It holds no private keys; spending
// requires an offline signer that consumes the PSBTs this package
// produces.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldwatch/coldwatch/chain"
	"github.com/coldwatch/coldwatch/descriptor"
	"github.com/coldwatch/coldwatch/ledger"
	"github.com/coldwatch/coldwatch/psbtio"
	"github.com/coldwatch/coldwatch/store"
	"github.com/coldwatch/coldwatch/txbuilder"
)

var (
	// ErrNoExternalDescriptor is returned when a wallet is configured
	// without an external descriptor.
	ErrNoExternalDescriptor = errors.New("external descriptor required")

	// ErrMismatchedDescriptors is returned when the external and change
	// descriptors do not derive from the same master key.
	ErrMismatchedDescriptors = errors.New(
		"descriptors derive from different master keys")

	// ErrMixedNetworks is returned when the descriptors target
	// different networks.
	ErrMixedNetworks = errors.New("descriptors target different networks")
)

// Config bundles everything a wallet needs.
type Config struct {
	// External is the receive descriptor. Required.
	External *descriptor.Descriptor

	// Internal is the change descriptor. Optional.
	Internal *descriptor.Descriptor

	// Source answers chain queries and accepts broadcasts.
	Source chain.Source

	// Store persists ledger snapshots. Nil keeps state in memory only.
	Store store.StateStore

	// GapLimit overrides the default scan lookahead when non-zero.
	GapLimit uint32
}

// Wallet is a watch-only descriptor wallet.
type Wallet struct {
	cfg Config

	ledger  *ledger.Ledger
	builder *txbuilder.Builder
	store   store.StateStore
}

// New creates a wallet and restores any persisted state.
func New(cfg Config) (*Wallet, error) {
	if cfg.External == nil {
		return nil, ErrNoExternalDescriptor
	}

	if cfg.Internal != nil {
		if cfg.Internal.Params().Net != cfg.External.Params().Net {
			return nil, ErrMixedNetworks
		}

		// Both branches must belong to the same wallet. Comparing
		// master fingerprints catches a mixed-up descriptor pair
		// before it scatters change across wallets.
		extFp, extOK := cfg.External.Fingerprint()
		intFp, intOK := cfg.Internal.Fingerprint()
		if extOK && intOK && extFp != intFp {
			return nil, fmt.Errorf("%w: external %x, change %x",
				ErrMismatchedDescriptors, extFp, intFp)
		}
	}

	led, err := ledger.New(ledger.Config{
		External: cfg.External,
		Internal: cfg.Internal,
		GapLimit: cfg.GapLimit,
	})
	if err != nil {
		return nil, err
	}

	st := cfg.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	snap, err := st.Load()
	switch {
	case err == nil:
		led.Restore(snap)
		log.Debugf("Restored state: %d utxos, synced at %v",
			len(snap.UTXOs), snap.SyncedAt)

	case errors.Is(err, store.ErrNoState):
		// First run.

	default:
		return nil, fmt.Errorf("load state: %w", err)
	}

	return &Wallet{
		cfg:     cfg,
		ledger:  led,
		builder: txbuilder.New(cfg.External, cfg.Internal, cfg.Source),
		store:   st,
	}, nil
}

// sync refreshes the ledger from the chain source and persists the result.
func (w *Wallet) sync(ctx context.Context) (*ledger.Snapshot, error) {
	snap, err := w.ledger.Sync(ctx, w.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	if err := w.store.Save(snap); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	return snap, nil
}

// Balance syncs and reports the wallet balance and utxo set.
func (w *Wallet) Balance(ctx context.Context) (*BalanceResponse, error) {
	snap, err := w.sync(ctx)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Total:     snap.Balance(),
		Confirmed: snap.ConfirmedBalance(),
		UTXOs:     snap.Unspent(),
	}, nil
}

// NewAddress syncs and returns the next unused external address. The same
// address keeps being handed out until a payment to it appears on chain.
func (w *Wallet) NewAddress(ctx context.Context) (*ReceiveResponse, error) {
	snap, err := w.sync(ctx)
	if err != nil {
		return nil, err
	}

	ext := w.cfg.External
	if !ext.IsRange() {
		script, err := ext.Script()
		if err != nil {
			return nil, err
		}

		return &ReceiveResponse{
			Address:    script.Address.EncodeAddress(),
			Descriptor: ext.String(),
		}, nil
	}

	index := snap.NextExternal
	script, err := ext.ScriptAt(index)
	if err != nil {
		return nil, err
	}

	concrete, err := ext.StringAt(index)
	if err != nil {
		return nil, err
	}

	log.Infof("Receive address %v at index %d",
		script.Address.EncodeAddress(), index)

	return &ReceiveResponse{
		Address:    script.Address.EncodeAddress(),
		Index:      index,
		Descriptor: concrete,
	}, nil
}

// Send syncs, funds the requested payments and returns the unsigned packet
// for an offline signer.
func (w *Wallet) Send(ctx context.Context,
	req *SendRequest) (*SendResponse, error) {

	snap, err := w.sync(ctx)
	if err != nil {
		return nil, err
	}

	result, err := w.builder.Fund(ctx, snap, &txbuilder.Request{
		Recipients: req.Recipients,
		FeeRate:    req.FeeRate,
		Strategy:   req.Strategy,
		DisableRBF: req.DisableRBF,
	})
	if err != nil {
		return nil, err
	}

	encoded, err := psbtio.Encode(result.Packet)
	if err != nil {
		return nil, fmt.Errorf("encode psbt: %w", err)
	}

	log.Infof("Funded tx %v: %d inputs, fee %v",
		result.Packet.UnsignedTx.TxHash(), len(result.Plan.UTXOs),
		result.Fee)

	return &SendResponse{
		PSBT:        encoded,
		Fee:         result.Fee,
		Selected:    result.Plan.UTXOs,
		ChangeIndex: result.ChangeIndex,
		HasChange:   result.HasChange,
	}, nil
}

// Broadcast finalizes a signed packet and announces the transaction.
func (w *Wallet) Broadcast(ctx context.Context,
	encoded string) (*BroadcastResponse, error) {

	packet, err := psbtio.Decode(encoded)
	if err != nil {
		return nil, err
	}

	finalized, err := psbtio.Finalize(packet)
	if err != nil {
		return nil, err
	}

	tx, err := psbtio.ExtractTx(finalized)
	if err != nil {
		return nil, err
	}

	txid, err := w.cfg.Source.Broadcast(ctx, tx)
	if err != nil {
		return nil, err
	}

	log.Infof("Broadcast tx %v", txid)

	return &BroadcastResponse{TxID: *txid}, nil
}
