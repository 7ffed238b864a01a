// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// testXPub is the BIP32 test vector 1 master public key. Only public
// derivation is ever performed on it.
const testXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8Nqtwyb" +
	"GhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

// testRawPub is a valid compressed secp256k1 public key (the generator
// point).
const testRawPub = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959" +
	"f2815b16f81798"

// mustParse builds a checksummed descriptor from a body and parses it.
func mustParse(t *testing.T, body string) *Descriptor {
	t.Helper()

	full, err := AppendChecksum(body)
	require.NoError(t, err)

	d, err := Parse(full, &chaincfg.MainNetParams)
	require.NoError(t, err)

	return d
}

// TestParseKinds verifies that each supported script tag parses to the
// expected kind with the expected range/role flags.
func TestParseKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		kind       ScriptKind
		isRange    bool
		change     bool
		numKeys    int
		threshold  int
		hasOrigin  bool
	}{
		{
			name:    "wpkh range receive",
			body:    "wpkh([d34db33f/84h/0h/0h]" + testXPub + "/0/*)",
			kind:    KindWPKH,
			isRange: true, change: false, numKeys: 1,
			hasOrigin: true,
		},
		{
			name:    "wpkh range change",
			body:    "wpkh([d34db33f/84h/0h/0h]" + testXPub + "/1/*)",
			kind:    KindWPKH,
			isRange: true, change: true, numKeys: 1,
			hasOrigin: true,
		},
		{
			name:    "pkh fixed raw key",
			body:    "pkh(" + testRawPub + ")",
			kind:    KindPKH,
			isRange: false, numKeys: 1,
		},
		{
			name:    "nested segwit",
			body:    "sh(wpkh(" + testXPub + "/0/*))",
			kind:    KindSHWPKH,
			isRange: true, numKeys: 1,
		},
		{
			name: "wsh multisig",
			body: "wsh(multi(2," + testXPub + "/0/*," +
				testXPub + "/1/*))",
			kind:    KindWSHMulti,
			isRange: true, numKeys: 2, threshold: 2,
		},
		{
			name:    "wpkh fixed index",
			body:    "wpkh(" + testXPub + "/0/5)",
			kind:    KindWPKH,
			isRange: false, numKeys: 1,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := mustParse(t, tc.body)

			require.Equal(t, tc.kind, d.Kind)
			require.Equal(t, tc.isRange, d.IsRange())
			require.Equal(t, tc.change, d.Change)
			require.Len(t, d.Keys, tc.numKeys)
			require.Equal(t, tc.threshold, d.Threshold)

			_, ok := d.Fingerprint()
			require.Equal(t, tc.hasOrigin, ok)

			// The canonical form must round-trip.
			require.Equal(t, tc.body, d.Body())
		})
	}
}

// TestParseRejectsMalformed verifies the malformed descriptor failure modes.
func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown tag",
			body: "tr(" + testXPub + "/0/*)",
		},
		{
			name: "unsupported sh wrap",
			body: "sh(multi(1," + testXPub + "))",
		},
		{
			name: "hardened step below xpub",
			body: "wpkh(" + testXPub + "/0h/*)",
		},
		{
			name: "wildcard not final",
			body: "wpkh(" + testXPub + "/*/0)",
		},
		{
			name: "path after raw key",
			body: "wpkh(" + testRawPub + "/0/*)",
		},
		{
			name: "bad fingerprint length",
			body: "wpkh([d34d/84h]" + testXPub + "/0/*)",
		},
		{
			name: "garbage key material",
			body: "wpkh(nonsense)",
		},
		{
			name: "threshold above key count",
			body: "wsh(multi(3," + testXPub + "/0/*," +
				testXPub + "/1/*))",
		},
		{
			name: "mixed ranged and fixed multisig keys",
			body: "wsh(multi(1," + testXPub + "/0/*," +
				testXPub + "/0/0))",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			full, err := AppendChecksum(tc.body)
			require.NoError(t, err)

			_, err = Parse(full, &chaincfg.MainNetParams)
			require.ErrorIs(t, err, ErrMalformedDescriptor)
		})
	}
}

// TestParseRejectsBadChecksum verifies that checksum validation runs before
// body parsing: even a structurally valid descriptor is rejected when its
// checksum is wrong, and a corrupt one never reaches the key parser.
func TestParseRejectsBadChecksum(t *testing.T) {
	t.Parallel()

	full, err := AppendChecksum("wpkh(" + testXPub + "/0/*)")
	require.NoError(t, err)

	// Corrupt the last checksum character.
	last := full[len(full)-1]
	replacement := byte('q')
	if last == replacement {
		replacement = 'p'
	}
	corrupted := full[:len(full)-1] + string(replacement)

	_, err = Parse(corrupted, &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrInvalidChecksum)

	// No checksum at all is also rejected up front.
	_, err = Parse("wpkh("+testXPub+"/0/*)", &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrInvalidChecksum)
}

// TestParseRejectsWrongNetwork verifies that a mainnet xpub cannot be used
// in a testnet descriptor.
func TestParseRejectsWrongNetwork(t *testing.T) {
	t.Parallel()

	full, err := AppendChecksum("wpkh(" + testXPub + "/0/*)")
	require.NoError(t, err)

	_, err = Parse(full, &chaincfg.TestNet3Params)
	require.ErrorIs(t, err, ErrMalformedDescriptor)
}

// TestStringAt verifies the index-bound re-serialization used for hardware
// signer cross-verification.
func TestStringAt(t *testing.T) {
	t.Parallel()

	d := mustParse(t, "wpkh([d34db33f/84h/0h/0h]"+testXPub+"/0/*)")

	bound, err := d.StringAt(7)
	require.NoError(t, err)
	require.Contains(t, bound, "/0/7)")

	// The bound descriptor must itself parse cleanly as a fixed
	// descriptor.
	fixed, err := Parse(bound, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.False(t, fixed.IsRange())

	// Fixed descriptors cannot be index-bound.
	_, err = fixed.StringAt(0)
	require.ErrorIs(t, err, ErrNotARangeDescriptor)
}
