// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestChecksumRoundTrip verifies that a body with an appended checksum
// verifies cleanly and splits back into its parts.
func TestChecksumRoundTrip(t *testing.T) {
	t.Parallel()

	bodies := []string{
		"wpkh(" + testXPub + "/0/*)",
		"pkh(" + testXPub + ")",
		"sh(wpkh([d34db33f/49h/0h/0h]" + testXPub + "/0/*))",
		"wsh(multi(2," + testXPub + "/0/*," + testXPub + "/1/*))",
	}

	for _, body := range bodies {
		full, err := AppendChecksum(body)
		require.NoError(t, err)

		gotBody, sum, err := verifyChecksum(full)
		require.NoError(t, err)
		require.Equal(t, body, gotBody)
		require.Len(t, sum, checksumLen)
	}
}

// TestChecksumDetectsSubstitution verifies the single character substitution
// guarantee: flipping any one character of the body must invalidate the
// checksum.
func TestChecksumDetectsSubstitution(t *testing.T) {
	t.Parallel()

	body := "wpkh([0f056943/84h/1h/0h]" + testXPub + "/0/*)"
	full, err := AppendChecksum(body)
	require.NoError(t, err)

	for i := 0; i < len(body); i++ {
		// Substitute with a different character from the charset.
		replacement := byte('0')
		if body[i] == replacement {
			replacement = '1'
		}

		corrupted := body[:i] + string(replacement) + body[i+1:] +
			full[len(body):]

		_, _, err := verifyChecksum(corrupted)
		require.Error(t, err, "substitution at %d went undetected", i)
	}
}

// TestChecksumMissing verifies that a descriptor without a trailing checksum
// is rejected with ErrInvalidChecksum.
func TestChecksumMissing(t *testing.T) {
	t.Parallel()

	_, _, err := verifyChecksum("wpkh(" + testXPub + "/0/*)")
	require.ErrorIs(t, err, ErrInvalidChecksum)
}

// TestChecksumInvalidCharacter verifies that a body containing a character
// outside the descriptor charset is reported as malformed, not as a bad
// checksum.
func TestChecksumInvalidCharacter(t *testing.T) {
	t.Parallel()

	_, err := Checksum("wpkh(\x01)")
	require.ErrorIs(t, err, ErrMalformedDescriptor)
}

// TestChecksumDeterministic verifies repeated computation yields the same
// checksum.
func TestChecksumDeterministic(t *testing.T) {
	t.Parallel()

	body := "wsh(multi(2," + testXPub + "/0/*," + testXPub + "/1/*))"

	first, err := Checksum(body)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Checksum(body)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	// Here the checksum depends on every character class in use, so it
	// must not equal the checksum of the lower-cased body.
	other, err := Checksum(strings.ToLower(body))
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}
