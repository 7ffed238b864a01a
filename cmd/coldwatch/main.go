// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// coldwatch is a watch-only descriptor wallet for airgapped setups. It
// tracks balances, hands out deposit addresses and prepares PSBTs for an
// offline signer; it never touches a private key.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/jessevdk/go-flags"

	"github.com/coldwatch/coldwatch/unit"
	"github.com/coldwatch/coldwatch/wallet"
)

// version is the reported tool version.
const version = "0.2.0"

var cfg config

// run builds the wallet and dispatches the request, printing the response
// in the command's format.
func run(ctx context.Context, req wallet.Request,
	print func(interface{})) error {

	if cfg.LogFile != "" {
		if err := initLogRotator(cfg.LogFile); err != nil {
			return err
		}
		defer logRotator.Close()
	}
	if err := setLogLevel(cfg.DebugLevel); err != nil {
		return err
	}

	w, cleanup, err := cfg.buildWallet()
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := w.Dispatch(ctx, req)
	if err != nil {
		return err
	}

	if cfg.Verbose {
		spew.Dump(resp)
	}
	print(resp)

	return nil
}

// balanceCommand reports the synced balance.
type balanceCommand struct{}

func (c *balanceCommand) Execute(_ []string) error {
	return run(mainCtx, &wallet.BalanceRequest{}, func(r interface{}) {
		resp := r.(*wallet.BalanceResponse)

		fmt.Printf("balance: %d sat (%d sat confirmed)\n",
			int64(resp.Total), int64(resp.Confirmed))
		for _, u := range resp.UTXOs {
			fmt.Printf("  %v  %d sat", u.OutPoint, int64(u.Amount))
			if !u.Confirmed {
				fmt.Print("  (unconfirmed)")
			}
			fmt.Println()
		}
	})
}

// receiveCommand hands out the next unused deposit address.
type receiveCommand struct{}

func (c *receiveCommand) Execute(_ []string) error {
	return run(mainCtx, &wallet.ReceiveRequest{}, func(r interface{}) {
		resp := r.(*wallet.ReceiveResponse)

		fmt.Println(resp.Address)
		fmt.Printf("index: %d\n", resp.Index)
		fmt.Printf("descriptor: %s\n", resp.Descriptor)
	})
}

// sendCommand funds a payment and emits the unsigned PSBT.
type sendCommand struct {
	To      string `long:"to" description:"Destination address" required:"true"`
	Amount  int64  `long:"amount" description:"Amount in satoshis" required:"true"`
	FeeRate int64  `long:"fee-rate" description:"Fee rate in sat/vbyte" default:"1"`
	NoRBF   bool   `long:"no-rbf" description:"Do not signal BIP125 replaceability"`
}

func (c *sendCommand) Execute(_ []string) error {
	req := &wallet.SendRequest{
		Recipients: []wallet.Recipient{{
			Address: c.To,
			Amount:  btcutil.Amount(c.Amount),
		}},
		FeeRate:    unit.SatPerVByte(c.FeeRate),
		DisableRBF: c.NoRBF,
	}

	return run(mainCtx, req, func(r interface{}) {
		resp := r.(*wallet.SendResponse)

		fmt.Println(resp.PSBT)
		fmt.Fprintf(os.Stderr, "fee: %d sat, %d inputs\n",
			int64(resp.Fee), len(resp.Selected))
		fmt.Fprintln(os.Stderr,
			"pass the psbt to your signer, then broadcast the "+
				"signed result")
	})
}

// broadcastCommand finalizes a signed PSBT and announces it.
type broadcastCommand struct {
	PSBT string `long:"psbt" description:"Signed PSBT in base64, or @file to read it from a file" required:"true"`
}

func (c *broadcastCommand) Execute(_ []string) error {
	encoded := c.PSBT
	if len(encoded) > 1 && encoded[0] == '@' {
		raw, err := os.ReadFile(encoded[1:])
		if err != nil {
			return fmt.Errorf("read psbt file: %w", err)
		}
		encoded = strings.TrimSpace(string(raw))
	}

	req := &wallet.BroadcastRequest{PSBT: encoded}

	return run(mainCtx, req, func(r interface{}) {
		resp := r.(*wallet.BroadcastResponse)

		fmt.Println(resp.TxID.String())
	})
}

// mainCtx is cancelled on SIGINT/SIGTERM so a slow sync can be aborted.
var mainCtx context.Context

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()
	mainCtx = ctx

	parser := flags.NewParser(&cfg, flags.Default)
	parser.SubcommandsOptional = false

	mustAdd := func(name, short, long string, cmd interface{}) {
		_, err := parser.AddCommand(name, short, long, cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr,
				"failed to register %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	mustAdd("balance", "Show the wallet balance",
		"Sync against the chain backend and print the total and "+
			"per-utxo balance.", &balanceCommand{})
	mustAdd("receive", "Show the next deposit address",
		"Print the first unused external address, its index and "+
			"its single-address descriptor.", &receiveCommand{})
	mustAdd("send", "Create an unsigned transaction",
		"Fund a payment from the wallet's utxos and print the "+
			"unsigned PSBT in base64.", &sendCommand{})
	mustAdd("broadcast", "Broadcast a signed transaction",
		"Finalize a signed PSBT and announce it to the network.",
		&broadcastCommand{})

	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}
}
