// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// DerivedScript is the concrete spending script a descriptor yields at one
// child index, together with everything an external signer needs to be
// pointed back at the right key.
type DerivedScript struct {
	// Index is the child index the script was derived at. Zero for fixed
	// descriptors.
	Index uint32

	// Kind is the script type of the originating descriptor.
	Kind ScriptKind

	// PkScript is the output script paying to this derivation.
	PkScript []byte

	// Address is the encoded address form of PkScript.
	Address btcutil.Address

	// RedeemScript is the p2sh redeem script for KindSHWPKH, nil
	// otherwise.
	RedeemScript []byte

	// WitnessScript is the witness script for KindWSHMulti, nil
	// otherwise.
	WitnessScript []byte

	// Derivations holds one BIP32 derivation hint per descriptor key,
	// binding the derived public key to its path below the origin
	// fingerprint.
	Derivations []*psbt.Bip32Derivation
}

// ScriptAt derives the descriptor's script at the given wildcard index.
// Derivation is a pure function: identical (descriptor, index) inputs always
// produce identical results, which is what makes addresses reproducible and
// lets a hardware signer independently verify them. Calling ScriptAt on a
// fixed descriptor returns ErrNotARangeDescriptor.
func (d *Descriptor) ScriptAt(index uint32) (*DerivedScript, error) {
	if !d.IsRange() {
		return nil, fmt.Errorf("%w: %s", ErrNotARangeDescriptor,
			d.Kind)
	}

	return d.derive(index)
}

// Script derives the script of a fixed (non-wildcard) descriptor.
func (d *Descriptor) Script() (*DerivedScript, error) {
	if d.IsRange() {
		return nil, fmt.Errorf("range descriptor requires an index, " +
			"use ScriptAt")
	}

	return d.derive(0)
}

// derive performs the actual script construction. For range descriptors the
// wildcard step of every key is bound to index; for fixed descriptors index
// is ignored.
func (d *Descriptor) derive(index uint32) (*DerivedScript, error) {
	pubs := make([]*btcec.PublicKey, len(d.Keys))
	derivs := make([]*psbt.Bip32Derivation, len(d.Keys))

	for i := range d.Keys {
		pub, deriv, err := deriveKey(&d.Keys[i], index)
		if err != nil {
			return nil, err
		}

		pubs[i] = pub
		derivs[i] = deriv
	}

	out := &DerivedScript{
		Index:       index,
		Kind:        d.Kind,
		Derivations: derivs,
	}

	var err error
	switch d.Kind {
	case KindPKH:
		out.Address, err = btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(pubs[0].SerializeCompressed()),
			d.params,
		)

	case KindWPKH:
		out.Address, err = btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pubs[0].SerializeCompressed()),
			d.params,
		)

	case KindSHWPKH:
		// The redeem script is the p2wkh witness program. The address
		// commits to its hash.
		witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pubs[0].SerializeCompressed()),
			d.params,
		)
		if err != nil {
			return nil, err
		}

		out.RedeemScript, err = txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return nil, err
		}

		out.Address, err = btcutil.NewAddressScriptHash(
			out.RedeemScript, d.params,
		)
		if err != nil {
			return nil, err
		}

	case KindWSHMulti:
		witnessScript, err := multiSigScript(pubs, d.Threshold)
		if err != nil {
			return nil, err
		}
		out.WitnessScript = witnessScript

		scriptHash := sha256.Sum256(out.WitnessScript)
		out.Address, err = btcutil.NewAddressWitnessScriptHash(
			scriptHash[:], d.params,
		)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown script kind %d",
			ErrMalformedDescriptor, d.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to build address: %w", err)
	}

	out.PkScript, err = txscript.PayToAddrScript(out.Address)
	if err != nil {
		return nil, fmt.Errorf("unable to build pkScript: %w", err)
	}

	return out, nil
}

// deriveKey derives one key expression to its public key at the given index
// and builds the matching BIP32 derivation hint.
func deriveKey(key *Key, index uint32) (*btcec.PublicKey,
	*psbt.Bip32Derivation, error) {

	var (
		pub  *btcec.PublicKey
		path []uint32
		err  error
	)

	switch {
	case key.RawKey != nil:
		pub = key.RawKey
		if key.Origin != nil {
			path = append(path, key.Origin.Path...)
		}

	default:
		ext := key.ExtKey
		for _, step := range key.Steps {
			ext, err = ext.Derive(step)
			if err != nil {
				return nil, nil, fmt.Errorf("derive step %d: "+
					"%w", step, err)
			}
		}

		if key.Wildcard {
			ext, err = ext.Derive(index)
			if err != nil {
				return nil, nil, fmt.Errorf("derive index "+
					"%d: %w", index, err)
			}
		}

		pub, err = ext.ECPubKey()
		if err != nil {
			return nil, nil, err
		}

		if key.Origin != nil {
			path = append(path, key.Origin.Path...)
		}
		path = append(path, key.Steps...)
		if key.Wildcard {
			path = append(path, index)
		}
	}

	deriv := &psbt.Bip32Derivation{
		PubKey:               pub.SerializeCompressed(),
		MasterKeyFingerprint: keyFingerprint(key),
		Bip32Path:            path,
	}

	return pub, deriv, nil
}

// keyFingerprint returns the master fingerprint to put into a derivation
// hint. Without origin info the descriptor key itself is the signer's root,
// so its own fingerprint is used.
func keyFingerprint(key *Key) uint32 {
	if key.Origin != nil {
		return key.Origin.FingerprintUint32()
	}

	var serialized []byte
	switch {
	case key.RawKey != nil:
		serialized = key.RawKey.SerializeCompressed()

	default:
		pub, err := key.ExtKey.ECPubKey()
		if err != nil {
			return 0
		}
		serialized = pub.SerializeCompressed()
	}

	var origin KeyOrigin
	copy(origin.Fingerprint[:], btcutil.Hash160(serialized)[:fingerprintLen])

	return origin.FingerprintUint32()
}

// multiSigScript builds an m-of-n OP_CHECKMULTISIG script over the given
// keys, preserving the descriptor's key order.
func multiSigScript(pubs []*btcec.PublicKey,
	threshold int) ([]byte, error) {

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(threshold))
	for _, pub := range pubs {
		builder.AddData(pub.SerializeCompressed())
	}
	builder.AddInt64(int64(len(pubs)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}
