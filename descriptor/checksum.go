// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"fmt"
	"strings"
)

const (
	// checksumLen is the length of a descriptor checksum string.
	checksumLen = 8

	// inputCharset is the set of characters a descriptor body may
	// contain. The position of each character determines the 5-bit group
	// value and the 2-bit class value that are fed into the checksum
	// polynomial.
	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXY" +
		"Z&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the character set used to encode the resulting
	// checksum. It is identical to the bech32 character set.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

// generator holds the coefficients of the BCH code used by descriptor
// checksums. The code detects any single character substitution and any pair
// of substitutions within a window of 8 characters.
var generator = []uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

// polyMod updates the checksum residue with one 5-bit value.
func polyMod(c uint64, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val

	for i := range generator {
		if c0>>uint(i)&1 != 0 {
			c ^= generator[i]
		}
	}

	return c
}

// Checksum computes the 8 character checksum of a descriptor body (the
// descriptor string without the trailing "#" and checksum). An error is
// returned if the body contains a character outside the descriptor character
// set.
func Checksum(body string) (string, error) {
	var (
		c        uint64 = 1
		cls      uint64
		clsCount int
	)

	for _, ch := range body {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", fmt.Errorf("%w: invalid character %q",
				ErrMalformedDescriptor, ch)
		}

		// Feed the low 5 bits of the symbol directly, and accumulate
		// the symbol's class. Every 3 characters the accumulated
		// class group is fed as well, which is what lets the code
		// detect most transpositions across character classes.
		c = polyMod(c, uint64(pos)&31)
		cls = cls*3 + uint64(pos)>>5

		clsCount++
		if clsCount == 3 {
			c = polyMod(c, cls)
			cls = 0
			clsCount = 0
		}
	}

	if clsCount > 0 {
		c = polyMod(c, cls)
	}

	// Shift in 8 zero groups to make room for the checksum itself.
	for i := 0; i < checksumLen; i++ {
		c = polyMod(c, 0)
	}
	c ^= 1

	var sum [checksumLen]byte
	for i := 0; i < checksumLen; i++ {
		sum[i] = checksumCharset[c>>uint(5*(checksumLen-1-i))&31]
	}

	return string(sum[:]), nil
}

// AppendChecksum returns the descriptor body with its checksum appended,
// separated by "#".
func AppendChecksum(body string) (string, error) {
	sum, err := Checksum(body)
	if err != nil {
		return "", err
	}

	return body + "#" + sum, nil
}

// splitChecksum splits a descriptor string into its body and trailing
// checksum. The boolean return reports whether a "#" separator was present at
// all.
func splitChecksum(s string) (string, string, bool) {
	idx := strings.LastIndexByte(s, '#')
	if idx < 0 {
		return s, "", false
	}

	return s[:idx], s[idx+1:], true
}

// verifyChecksum validates the trailing checksum of a full descriptor string
// and returns the body on success. This runs before any further parsing so a
// corrupted descriptor is rejected before key material is ever interpreted.
func verifyChecksum(s string) (string, string, error) {
	body, sum, ok := splitChecksum(s)
	if !ok {
		return "", "", fmt.Errorf("%w: missing checksum",
			ErrInvalidChecksum)
	}

	if len(sum) != checksumLen {
		return "", "", fmt.Errorf("%w: expected %d checksum "+
			"characters, got %d", ErrInvalidChecksum, checksumLen,
			len(sum))
	}

	want, err := Checksum(body)
	if err != nil {
		return "", "", err
	}

	if sum != want {
		return "", "", fmt.Errorf("%w: got %q, want %q",
			ErrInvalidChecksum, sum, want)
	}

	return body, sum, nil
}
