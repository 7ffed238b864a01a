// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger tracks the unspent outputs controlled by a pair of watch
// descriptors. It derives scripts with a gap-limit lookahead, queries a
// chain source for their history, and maintains an immutable snapshot of
// the resulting UTXO set.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/coldwatch/coldwatch/chain"
	"github.com/coldwatch/coldwatch/descriptor"
)

const (
	// DefaultGapLimit is the number of consecutive unused indexes a
	// branch scan looks past the last used one before it stops. It
	// matches the lookahead hardware and software wallets conventionally
	// apply.
	DefaultGapLimit = 20
)

var (
	// ErrNoDescriptor is returned when a ledger is created without an
	// external descriptor.
	ErrNoDescriptor = errors.New("external descriptor required")
)

// UTXO is one unspent output controlled by a watched descriptor, annotated
// with the derivation coordinates needed to re-derive its script.
type UTXO struct {
	// OutPoint identifies the output on chain.
	OutPoint wire.OutPoint

	// Amount is the output value.
	Amount btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// Index is the derivation index of the script on its branch.
	Index uint32

	// Change is true if the output pays to the change branch.
	Change bool

	// Confirmed is true once the funding transaction is mined.
	Confirmed bool
}

// Snapshot is an immutable view of the ledger state produced by one sync.
type Snapshot struct {
	// UTXOs holds the unspent outputs keyed by outpoint.
	UTXOs map[wire.OutPoint]UTXO

	// NextExternal is the lowest unused index on the external branch.
	NextExternal uint32

	// NextInternal is the lowest unused index on the change branch.
	NextInternal uint32

	// SyncedAt records when the snapshot was taken. It is zero for a
	// ledger that has never synced.
	SyncedAt time.Time
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{UTXOs: make(map[wire.OutPoint]UTXO)}
}

// Balance returns the sum of all unspent outputs, confirmed or not.
func (s *Snapshot) Balance() btcutil.Amount {
	var total btcutil.Amount
	for _, u := range s.UTXOs {
		total += u.Amount
	}

	return total
}

// ConfirmedBalance returns the sum of the confirmed unspent outputs.
func (s *Snapshot) ConfirmedBalance() btcutil.Amount {
	var total btcutil.Amount
	for _, u := range s.UTXOs {
		if u.Confirmed {
			total += u.Amount
		}
	}

	return total
}

// Unspent returns the outputs in a stable order, sorted by txid and then by
// output index.
func (s *Snapshot) Unspent() []UTXO {
	utxos := make([]UTXO, 0, len(s.UTXOs))
	for _, u := range s.UTXOs {
		utxos = append(utxos, u)
	}

	sort.Slice(utxos, func(i, j int) bool {
		hashCmp := bytes.Compare(
			utxos[i].OutPoint.Hash[:], utxos[j].OutPoint.Hash[:],
		)
		if hashCmp != 0 {
			return hashCmp < 0
		}

		return utxos[i].OutPoint.Index < utxos[j].OutPoint.Index
	})

	return utxos
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	clone := &Snapshot{
		UTXOs:        make(map[wire.OutPoint]UTXO, len(s.UTXOs)),
		NextExternal: s.NextExternal,
		NextInternal: s.NextInternal,
		SyncedAt:     s.SyncedAt,
	}
	for op, u := range s.UTXOs {
		clone.UTXOs[op] = u
	}

	return clone
}

// Config bundles the descriptors a ledger watches.
type Config struct {
	// External is the descriptor for receive scripts. Required.
	External *descriptor.Descriptor

	// Internal is the descriptor for change scripts. Optional; a wallet
	// without one sends change back to the external branch.
	Internal *descriptor.Descriptor

	// GapLimit overrides DefaultGapLimit when non-zero.
	GapLimit uint32
}

// Ledger owns the UTXO state for one descriptor pair. All mutation happens
// through Sync and Restore, which replace the snapshot atomically, so
// readers never observe a half-applied sync.
type Ledger struct {
	cfg      Config
	gapLimit uint32

	snap *Snapshot
}

// New creates a ledger for the given descriptors with an empty snapshot.
func New(cfg Config) (*Ledger, error) {
	if cfg.External == nil {
		return nil, ErrNoDescriptor
	}

	gapLimit := cfg.GapLimit
	if gapLimit == 0 {
		gapLimit = DefaultGapLimit
	}

	return &Ledger{
		cfg:      cfg,
		gapLimit: gapLimit,
		snap:     NewSnapshot(),
	}, nil
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() *Snapshot {
	return l.snap.Clone()
}

// Restore replaces the current state with a previously persisted snapshot.
func (l *Ledger) Restore(snap *Snapshot) {
	l.snap = snap.Clone()
}

// Balance returns the total balance of the current snapshot.
func (l *Ledger) Balance() btcutil.Amount {
	return l.snap.Balance()
}

// NextUnusedIndex returns the lowest unused index on the requested branch
// as of the last sync.
func (l *Ledger) NextUnusedIndex(change bool) uint32 {
	if change {
		return l.snap.NextInternal
	}

	return l.snap.NextExternal
}

// Sync scans both branches against the chain source and replaces the
// snapshot with the result. The previous snapshot stays in place if any
// part of the scan fails.
//
// Each branch keeps its own lookahead window: scripts are derived up to
// gapLimit past the highest index seen on chain, and every hit pushes the
// window further out, so sparse usage beyond a single gap is still found.
func (l *Ledger) Sync(ctx context.Context,
	src chain.Source) (*Snapshot, error) {

	branches := []*scanBranch{newScanBranch(
		l.cfg.External, false, l.gapLimit, l.snap.NextExternal,
	)}
	if l.cfg.Internal != nil {
		branches = append(branches, newScanBranch(
			l.cfg.Internal, true, l.gapLimit, l.snap.NextInternal,
		))
	}

	next := NewSnapshot()
	seen := fn.NewSet[wire.OutPoint]()

	for {
		// Gather the scripts each branch still needs scanned. This
		// both fills the initial windows and extends them after hits
		// in the previous round.
		var (
			batch   []chain.Script
			origins = make(map[string]scriptOrigin)
		)
		for _, branch := range branches {
			scripts, err := branch.pending()
			if err != nil {
				return nil, err
			}

			for _, s := range scripts {
				cs := chain.Script{
					PkScript: s.PkScript,
					Address:  s.Address.EncodeAddress(),
				}
				batch = append(batch, cs)
				origins[cs.Key()] = scriptOrigin{
					branch: branch,
					index:  s.Index,
				}
			}
		}

		// Every branch window is satisfied.
		if len(batch) == 0 {
			break
		}

		log.Debugf("Scanning %d scripts across %d branches",
			len(batch), len(branches))

		results, err := src.FetchScripts(ctx, batch)
		if err != nil {
			return nil, err
		}

		for key, origin := range origins {
			result, ok := results[key]
			if !ok || !result.Used {
				continue
			}

			origin.branch.state.reportFound(origin.index)

			for _, u := range result.UTXOs {
				if seen.Contains(u.OutPoint) {
					continue
				}
				seen.Add(u.OutPoint)

				script := origin.branch.state.script(
					origin.index,
				)
				next.UTXOs[u.OutPoint] = UTXO{
					OutPoint:  u.OutPoint,
					Amount:    u.Value,
					PkScript:  script.PkScript,
					Index:     origin.index,
					Change:    origin.branch.change,
					Confirmed: u.Confirmed,
				}
			}
		}
	}

	for _, branch := range branches {
		if branch.change {
			next.NextInternal = branch.state.nextUnfound
		} else {
			next.NextExternal = branch.state.nextUnfound
		}
	}
	next.SyncedAt = time.Now()

	l.snap = next

	log.Infof("Sync complete: %d utxos, balance %v, next external "+
		"index %d", len(next.UTXOs), next.Balance(),
		next.NextExternal)

	return next.Clone(), nil
}

// scriptOrigin maps a scanned script back to its derivation coordinates.
type scriptOrigin struct {
	branch *scanBranch
	index  uint32
}

// scanBranch pairs a branch state with the scan bookkeeping for one
// descriptor branch. A fixed descriptor degenerates to a single script
// with no lookahead.
type scanBranch struct {
	state  *branchState
	change bool

	fixed     bool
	fixedDone bool
}

func newScanBranch(desc *descriptor.Descriptor, change bool,
	gapLimit, lastKnown uint32) *scanBranch {

	state := newBranchState(desc, gapLimit)

	// Seed the window from the persisted state so a resync starts past
	// the indexes already known to be used.
	if lastKnown > 0 {
		state.reportFound(lastKnown - 1)
	}

	return &scanBranch{
		state:  state,
		change: change,
		fixed:  !desc.IsRange(),
	}
}

// pending returns the scripts this branch still needs scanned in the
// current round.
func (b *scanBranch) pending() ([]*descriptor.DerivedScript, error) {
	if b.fixed {
		if b.fixedDone {
			return nil, nil
		}
		b.fixedDone = true

		script, err := b.state.desc.Script()
		if err != nil {
			return nil, err
		}
		b.state.scripts[0] = script

		return []*descriptor.DerivedScript{script}, nil
	}

	return b.state.deriveWindow()
}
