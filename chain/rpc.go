// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// RPCConfig holds the connection parameters for a bitcoind backend.
type RPCConfig struct {
	// Host is the RPC host:port of the node.
	Host string

	// User is the RPC username.
	User string

	// Pass is the RPC password.
	Pass string
}

// RPCClient is a chain source backed by a bitcoind node over JSON-RPC. The
// wallet's scripts must have been imported into the node (importaddress or
// importdescriptors) for the node's address index to know about them.
//
// NOTE: the underlying rpcclient API is not context aware; the context is
// only consulted between calls.
type RPCClient struct {
	client *rpcclient.Client
	params *chaincfg.Params
}

// A compile time check to ensure RPCClient implements Source.
var _ Source = (*RPCClient)(nil)

// NewRPCClient connects to a bitcoind node in HTTP POST mode.
func NewRPCClient(cfg RPCConfig,
	params *chaincfg.Params) (*RPCClient, error) {

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	return &RPCClient{
		client: client,
		params: params,
	}, nil
}

// Shutdown tears down the RPC connection.
func (r *RPCClient) Shutdown() {
	r.client.Shutdown()
}

// FetchScripts implements Source.
func (r *RPCClient) FetchScripts(ctx context.Context,
	scripts []Script) (map[string]ScriptResult, error) {

	results := make(map[string]ScriptResult, len(scripts))

	// Resolve the address form of every queried script up front, and
	// remember which script each address belongs to.
	addrs := make([]btcutil.Address, 0, len(scripts))
	byAddr := make(map[string]string, len(scripts))
	for _, script := range scripts {
		addr, err := btcutil.DecodeAddress(script.Address, r.params)
		if err != nil {
			return nil, fmt.Errorf("invalid script address %q: "+
				"%w", script.Address, err)
		}

		addrs = append(addrs, addr)
		byAddr[script.Address] = script.Key()
		results[script.Key()] = ScriptResult{}
	}

	// One listunspent call covers the whole batch.
	unspent, err := r.client.ListUnspentMinMaxAddresses(
		0, 9999999, addrs,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: listunspent: %v", ErrNetwork, err)
	}

	for _, u := range unspent {
		key, ok := byAddr[u.Address]
		if !ok {
			continue
		}

		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %q from "+
				"backend: %w", u.TxID, err)
		}

		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount from "+
				"backend: %w", err)
		}

		result := results[key]
		result.Used = true
		result.UTXOs = append(result.UTXOs, UTXO{
			OutPoint:  *wire.NewOutPoint(txid, u.Vout),
			Value:     amount,
			Confirmed: u.Confirmations > 0,
		})
		results[key] = result
	}

	// A script with no unspent outputs may still have history. The
	// received total tells the scanner the index was used.
	for i, script := range scripts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result := results[script.Key()]
		if result.Used {
			continue
		}

		received, err := r.client.GetReceivedByAddressMinConf(
			addrs[i], 0,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: getreceivedbyaddress: %v",
				ErrNetwork, err)
		}

		if received > 0 {
			result.Used = true
			results[script.Key()] = result
		}
	}

	return results, nil
}

// FetchTx implements Source.
func (r *RPCClient) FetchTx(_ context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := r.client.GetRawTransaction(txid)
	if err != nil {
		return nil, fmt.Errorf("%w: getrawtransaction %v: %v",
			ErrNetwork, txid, err)
	}

	return tx.MsgTx(), nil
}

// Broadcast implements Source.
func (r *RPCClient) Broadcast(_ context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	txid, err := r.client.SendRawTransaction(tx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBroadcast, err)
	}

	log.Infof("Broadcast tx %v via bitcoind RPC", txid)

	return txid, nil
}
