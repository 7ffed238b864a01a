// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/coldwatch/coldwatch/chain"
	"github.com/coldwatch/coldwatch/descriptor"
	"github.com/coldwatch/coldwatch/store"
	"github.com/coldwatch/coldwatch/wallet"
)

// config holds the global options shared by every subcommand.
type config struct {
	Descriptor string `long:"descriptor" env:"COLDWATCH_DESCRIPTOR" description:"External (receive) descriptor" required:"true"`

	ChangeDescriptor string `long:"change-descriptor" env:"COLDWATCH_CHANGE_DESCRIPTOR" description:"Internal (change) descriptor"`

	Network string `long:"network" env:"COLDWATCH_NETWORK" description:"Network to operate on" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest" choice:"simnet" default:"testnet"`

	Backend string `long:"backend" env:"COLDWATCH_BACKEND" description:"Chain backend" choice:"esplora" choice:"bitcoind" default:"esplora"`

	EsploraURL string `long:"esplora-url" env:"COLDWATCH_ESPLORA_URL" description:"Esplora API base URL, defaults per network"`

	RPCConnect string `long:"rpcconnect" env:"COLDWATCH_RPCCONNECT" description:"bitcoind RPC host:port" default:"127.0.0.1:8332"`

	RPCUser string `long:"rpcuser" env:"COLDWATCH_RPCUSER" description:"bitcoind RPC username"`

	RPCPass string `long:"rpcpass" env:"COLDWATCH_RPCPASS" description:"bitcoind RPC password"`

	GapLimit uint32 `long:"gap-limit" env:"COLDWATCH_GAP_LIMIT" description:"Unused address lookahead per branch" default:"20"`

	StateFile string `long:"state-file" env:"COLDWATCH_STATE_FILE" description:"Path of the state database; omit to rescan on every run"`

	LogFile string `long:"logfile" env:"COLDWATCH_LOGFILE" description:"Rotated log file path"`

	DebugLevel string `long:"debuglevel" env:"COLDWATCH_DEBUGLEVEL" description:"Log level" default:"info"`

	Verbose bool `short:"v" long:"verbose" description:"Dump full response structures"`
}

// netParams maps the network name to its parameters.
func (c *config) netParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// esploraURL returns the configured esplora endpoint, falling back to the
// public blockstream.info instance for the selected network.
func (c *config) esploraURL() (string, error) {
	if c.EsploraURL != "" {
		return strings.TrimRight(c.EsploraURL, "/"), nil
	}

	switch c.Network {
	case "mainnet":
		return "https://blockstream.info/api", nil
	case "testnet":
		return "https://blockstream.info/testnet/api", nil
	default:
		return "", fmt.Errorf("no public esplora instance for %q, "+
			"set --esplora-url", c.Network)
	}
}

// buildSource creates the chain source for the configured backend, wrapped
// with the retry policy.
func (c *config) buildSource() (chain.Source, func(), error) {
	switch c.Backend {
	case "esplora":
		url, err := c.esploraURL()
		if err != nil {
			return nil, nil, err
		}

		client := chain.NewEsploraClient(url, userAgent())

		return chain.NewRetryingSource(client), func() {}, nil

	case "bitcoind":
		params, err := c.netParams()
		if err != nil {
			return nil, nil, err
		}

		client, err := chain.NewRPCClient(chain.RPCConfig{
			Host: c.RPCConnect,
			User: c.RPCUser,
			Pass: c.RPCPass,
		}, params)
		if err != nil {
			return nil, nil, err
		}

		return chain.NewRetryingSource(client), client.Shutdown, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// buildWallet assembles the wallet from the global options.
func (c *config) buildWallet() (*wallet.Wallet, func(), error) {
	params, err := c.netParams()
	if err != nil {
		return nil, nil, err
	}

	external, err := descriptor.Parse(c.Descriptor, params)
	if err != nil {
		return nil, nil, fmt.Errorf("parse descriptor: %w", err)
	}

	var internal *descriptor.Descriptor
	if c.ChangeDescriptor != "" {
		internal, err = descriptor.Parse(c.ChangeDescriptor, params)
		if err != nil {
			return nil, nil, fmt.Errorf(
				"parse change descriptor: %w", err)
		}
	}

	source, stopSource, err := c.buildSource()
	if err != nil {
		return nil, nil, err
	}

	var st store.StateStore
	if c.StateFile != "" {
		st, err = store.OpenFileStore(c.StateFile)
		if err != nil {
			stopSource()

			return nil, nil, err
		}
	}

	w, err := wallet.New(wallet.Config{
		External: external,
		Internal: internal,
		Source:   source,
		Store:    st,
		GapLimit: c.GapLimit,
	})
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		stopSource()

		return nil, nil, err
	}

	cleanup := func() {
		if st != nil {
			_ = st.Close()
		}
		stopSource()
	}

	return w, cleanup, nil
}

// userAgent identifies this tool to HTTP backends.
func userAgent() string {
	return "coldwatch/" + version
}
