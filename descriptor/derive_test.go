// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// TestDeriveDeterministic verifies the core derivation law: identical
// (descriptor, index) inputs always yield identical scripts and addresses,
// across repeated calls and across independent parses of the same text.
func TestDeriveDeterministic(t *testing.T) {
	t.Parallel()

	body := "wpkh([d34db33f/84h/0h/0h]" + testXPub + "/0/*)"
	d := mustParse(t, body)

	first, err := d.ScriptAt(123)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := d.ScriptAt(123)
		require.NoError(t, err)

		require.Equal(t, first.PkScript, again.PkScript)
		require.Equal(
			t, first.Address.String(), again.Address.String(),
		)
	}

	// A fresh parse of the same text derives the same address.
	other := mustParse(t, body)
	reparsed, err := other.ScriptAt(123)
	require.NoError(t, err)
	require.Equal(t, first.Address.String(), reparsed.Address.String())

	// Distinct indices are never interchangeable.
	neighbor, err := d.ScriptAt(124)
	require.NoError(t, err)
	require.NotEqual(t, first.PkScript, neighbor.PkScript)
}

// TestDeriveFixedRejectsIndex verifies that index-based derivation on a
// non-wildcard descriptor fails with ErrNotARangeDescriptor while plain
// derivation succeeds.
func TestDeriveFixedRejectsIndex(t *testing.T) {
	t.Parallel()

	d := mustParse(t, "pkh("+testRawPub+")")

	_, err := d.ScriptAt(0)
	require.ErrorIs(t, err, ErrNotARangeDescriptor)

	script, err := d.Script()
	require.NoError(t, err)
	require.NotEmpty(t, script.PkScript)
	require.Len(t, script.Derivations, 1)
}

// TestDeriveScriptShapes verifies the shape of the script material each kind
// produces for PSBT population.
func TestDeriveScriptShapes(t *testing.T) {
	t.Parallel()

	t.Run("wpkh", func(t *testing.T) {
		t.Parallel()

		d := mustParse(t, "wpkh("+testXPub+"/0/*)")
		s, err := d.ScriptAt(0)
		require.NoError(t, err)

		require.Nil(t, s.RedeemScript)
		require.Nil(t, s.WitnessScript)

		// v0 witness program: OP_0 <20 byte hash>.
		require.Len(t, s.PkScript, 22)
		require.Equal(t, byte(txscript.OP_0), s.PkScript[0])
	})

	t.Run("sh(wpkh)", func(t *testing.T) {
		t.Parallel()

		d := mustParse(t, "sh(wpkh("+testXPub+"/0/*))")
		s, err := d.ScriptAt(0)
		require.NoError(t, err)

		// The redeem script is the inner witness program and hashes
		// to the p2sh output.
		require.Len(t, s.RedeemScript, 22)
		require.Len(t, s.PkScript, 23)
		require.Equal(t, byte(txscript.OP_HASH160), s.PkScript[0])
	})

	t.Run("wsh(multi)", func(t *testing.T) {
		t.Parallel()

		d := mustParse(t, "wsh(multi(2,"+testXPub+"/0/*,"+
			testXPub+"/1/*))")
		s, err := d.ScriptAt(3)
		require.NoError(t, err)

		require.NotNil(t, s.WitnessScript)
		require.Len(t, s.Derivations, 2)

		// v0 witness script hash program: OP_0 <32 byte hash>.
		require.Len(t, s.PkScript, 34)

		// Both derivation hints end at index 3 but on different
		// branches.
		path0 := s.Derivations[0].Bip32Path
		path1 := s.Derivations[1].Bip32Path
		require.Equal(t, []uint32{0, 3}, path0)
		require.Equal(t, []uint32{1, 3}, path1)
	})
}

// TestDeriveOriginPath verifies the BIP32 hint binds the full path below
// the origin fingerprint.
func TestDeriveOriginPath(t *testing.T) {
	t.Parallel()

	d := mustParse(t, "wpkh([d34db33f/84h/0h/0h]"+testXPub+"/0/*)")

	s, err := d.ScriptAt(9)
	require.NoError(t, err)
	require.Len(t, s.Derivations, 1)

	deriv := s.Derivations[0]
	require.Len(t, deriv.PubKey, 33)

	hardened := uint32(0x80000000)
	require.Equal(t, []uint32{
		84 + hardened, 0 + hardened, 0 + hardened, 0, 9,
	}, deriv.Bip32Path)

	fp, ok := d.Fingerprint()
	require.True(t, ok)
	require.Equal(t, [4]byte{0xd3, 0x4d, 0xb3, 0x3f}, fp)
}

// TestDeriveAddressNetwork verifies addresses encode for the descriptor's
// network.
func TestDeriveAddressNetwork(t *testing.T) {
	t.Parallel()

	d := mustParse(t, "wpkh("+testXPub+"/0/*)")

	s, err := d.ScriptAt(0)
	require.NoError(t, err)
	require.True(t, s.Address.IsForNet(&chaincfg.MainNetParams))
	require.False(t, s.Address.IsForNet(&chaincfg.TestNet3Params))
}
