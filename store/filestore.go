// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // bdb driver

	"github.com/coldwatch/coldwatch/ledger"
)

var (
	// snapshotBucketKey is the top level bucket holding the serialized
	// snapshot.
	snapshotBucketKey = []byte("snapshot")

	// snapshotKey is the key the snapshot is stored under.
	snapshotKey = []byte("latest")
)

const (
	// snapshotVersion is the serialization version written to disk.
	snapshotVersion byte = 1

	// dbTimeout is how long to wait for the file lock before giving up.
	dbTimeout = 10 * time.Second

	// maxScriptLen bounds the pkScript length accepted when decoding.
	maxScriptLen = 10_000
)

// FileStore persists snapshots in a bbolt database on disk.
type FileStore struct {
	db walletdb.DB
}

// A compile time check to ensure FileStore implements StateStore.
var _ StateStore = (*FileStore)(nil)

// OpenFileStore opens the database at dbPath, creating it if needed.
func OpenFileStore(dbPath string) (*FileStore, error) {
	db, err := walletdb.Create("bdb", dbPath, true, dbTimeout, false)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", dbPath, err)
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(snapshotBucketKey)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}

	return &FileStore{db: db}, nil
}

// Save implements StateStore.
func (f *FileStore) Save(snap *ledger.Snapshot) error {
	serialized, err := serializeSnapshot(snap)
	if err != nil {
		return err
	}

	return walletdb.Update(f.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(snapshotBucketKey)

		return bucket.Put(snapshotKey, serialized)
	})
}

// Load implements StateStore.
func (f *FileStore) Load() (*ledger.Snapshot, error) {
	var serialized []byte
	err := walletdb.View(f.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(snapshotBucketKey)
		if bucket == nil {
			return ErrNoState
		}

		value := bucket.Get(snapshotKey)
		if value == nil {
			return ErrNoState
		}

		// The slice is only valid inside the transaction.
		serialized = bytes.Clone(value)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return deserializeSnapshot(serialized)
}

// Close implements StateStore.
func (f *FileStore) Close() error {
	return f.db.Close()
}

// serializeSnapshot encodes a snapshot as:
//
//	version || nextExternal || nextInternal || syncedAt ||
//	utxoCount || utxos...
//
// with every utxo as:
//
//	hash || index || amount || varbytes(pkScript) ||
//	derivationIndex || flags
func serializeSnapshot(snap *ledger.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(snapshotVersion)

	var scratch [8]byte
	binary.BigEndian.PutUint32(scratch[:4], snap.NextExternal)
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], snap.NextInternal)
	buf.Write(scratch[:4])

	binary.BigEndian.PutUint64(
		scratch[:], uint64(snap.SyncedAt.Unix()),
	)
	buf.Write(scratch[:])

	utxos := snap.Unspent()
	if err := wire.WriteVarInt(&buf, 0, uint64(len(utxos))); err != nil {
		return nil, err
	}

	for _, u := range utxos {
		buf.Write(u.OutPoint.Hash[:])
		binary.BigEndian.PutUint32(scratch[:4], u.OutPoint.Index)
		buf.Write(scratch[:4])

		binary.BigEndian.PutUint64(scratch[:], uint64(u.Amount))
		buf.Write(scratch[:])

		err := wire.WriteVarBytes(&buf, 0, u.PkScript)
		if err != nil {
			return nil, err
		}

		binary.BigEndian.PutUint32(scratch[:4], u.Index)
		buf.Write(scratch[:4])

		var flags byte
		if u.Change {
			flags |= 1
		}
		if u.Confirmed {
			flags |= 2
		}
		buf.WriteByte(flags)
	}

	return buf.Bytes(), nil
}

// deserializeSnapshot decodes what serializeSnapshot produced.
func deserializeSnapshot(serialized []byte) (*ledger.Snapshot, error) {
	r := bytes.NewReader(serialized)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read snapshot version: %w", err)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unknown snapshot version %d", version)
	}

	snap := ledger.NewSnapshot()

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	snap.NextExternal = binary.BigEndian.Uint32(scratch[:4])

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, err
	}
	snap.NextInternal = binary.BigEndian.Uint32(scratch[:4])

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return nil, err
	}
	snap.SyncedAt = time.Unix(
		int64(binary.BigEndian.Uint64(scratch[:])), 0,
	)

	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}

	for i := uint64(0); i < count; i++ {
		var u ledger.UTXO

		if _, err := io.ReadFull(r, u.OutPoint.Hash[:]); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return nil, err
		}
		u.OutPoint.Index = binary.BigEndian.Uint32(scratch[:4])

		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		u.Amount = btcutil.Amount(binary.BigEndian.Uint64(scratch[:]))

		u.PkScript, err = wire.ReadVarBytes(
			r, 0, maxScriptLen, "pkScript",
		)
		if err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return nil, err
		}
		u.Index = binary.BigEndian.Uint32(scratch[:4])

		flags, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		u.Change = flags&1 != 0
		u.Confirmed = flags&2 != 0

		snap.UTXOs[u.OutPoint] = u
	}

	return snap, nil
}
