// Copyright (c) 2025 The coldwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor implements parsing and derivation of output script
// descriptors for a watch-only wallet. A descriptor compactly describes how a
// family of spending scripts is derived from public key material, e.g.
//
//	wpkh([0f056943/84h/1h/0h]tpubDC.../0/*)#erexmnep
//
// Only public key material is accepted; descriptors carrying private keys are
// rejected since the wallet never holds custody.
package descriptor

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrInvalidChecksum is returned when a descriptor's trailing checksum
	// is missing or does not match its body.
	ErrInvalidChecksum = errors.New("invalid descriptor checksum")

	// ErrMalformedDescriptor is returned when a descriptor body cannot be
	// parsed: unknown script tag, unparsable key material, or a hardened
	// marker in a position that cannot be derived without a private key.
	ErrMalformedDescriptor = errors.New("malformed descriptor")

	// ErrNotARangeDescriptor is returned when an index based derivation is
	// requested on a descriptor without a wildcard.
	ErrNotARangeDescriptor = errors.New("not a range descriptor")
)

const (
	// hardenedMarker is the canonical suffix denoting a hardened
	// derivation step. The apostrophe form is accepted on input as well.
	hardenedMarker = 'h'

	// maxMultiKeys is the maximum number of keys accepted in a multisig
	// policy, matching the OP_CHECKMULTISIG consensus limit.
	maxMultiKeys = 20

	// fingerprintLen is the byte length of a BIP32 master key
	// fingerprint.
	fingerprintLen = 4
)

// ScriptKind enumerates the supported descriptor script types.
type ScriptKind uint8

const (
	// KindPKH is a legacy pay-to-pubkey-hash descriptor: pkh(KEY).
	KindPKH ScriptKind = iota

	// KindWPKH is a native segwit v0 pay-to-witness-pubkey-hash
	// descriptor: wpkh(KEY).
	KindWPKH

	// KindSHWPKH is a p2sh wrapped segwit pubkey hash descriptor:
	// sh(wpkh(KEY)).
	KindSHWPKH

	// KindWSHMulti is a native segwit v0 multisig policy descriptor:
	// wsh(multi(m,KEY,...)).
	KindWSHMulti
)

// String returns the descriptor tag for the script kind.
func (k ScriptKind) String() string {
	switch k {
	case KindPKH:
		return "pkh"

	case KindWPKH:
		return "wpkh"

	case KindSHWPKH:
		return "sh(wpkh)"

	case KindWSHMulti:
		return "wsh(multi)"

	default:
		return fmt.Sprintf("unknown<%d>", uint8(k))
	}
}

// KeyOrigin records where a key sits in its owner's BIP32 tree: the master
// key fingerprint plus the (possibly hardened) path from the master key down
// to the key material embedded in the descriptor.
type KeyOrigin struct {
	// Fingerprint is the first four bytes of the HASH160 of the master
	// public key.
	Fingerprint [fingerprintLen]byte

	// Path holds the derivation steps from the master key, hardened steps
	// encoded with the high bit set.
	Path []uint32
}

// FingerprintUint32 returns the fingerprint in the little-endian integer form
// used by the PSBT BIP32 derivation fields.
func (o *KeyOrigin) FingerprintUint32() uint32 {
	return binary.LittleEndian.Uint32(o.Fingerprint[:])
}

// String encodes the origin in descriptor bracket form, e.g.
// "[0f056943/84h/1h/0h]".
func (o *KeyOrigin) String() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(hex.EncodeToString(o.Fingerprint[:]))

	for _, step := range o.Path {
		b.WriteByte('/')
		if step >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(
				uint64(step-hdkeychain.HardenedKeyStart), 10,
			))
			b.WriteByte(hardenedMarker)
		} else {
			b.WriteString(strconv.FormatUint(uint64(step), 10))
		}
	}
	b.WriteByte(']')

	return b.String()
}

// Key is a single key expression inside a descriptor: optional origin, key
// material (extended or raw public key) and an optional unhardened derivation
// suffix, whose last step may be the wildcard "*".
type Key struct {
	// Origin is the key's origin info, or nil if the descriptor carries
	// none.
	Origin *KeyOrigin

	// ExtKey is the extended public key, nil when the key material is a
	// raw public key.
	ExtKey *hdkeychain.ExtendedKey

	// RawKey is the raw public key, nil when the key material is an
	// extended key.
	RawKey *btcec.PublicKey

	// Steps are the unhardened derivation steps applied below the key
	// material, excluding the wildcard.
	Steps []uint32

	// Wildcard is true if the suffix ends in "/*", making the enclosing
	// descriptor a range descriptor.
	Wildcard bool
}

// Descriptor is a parsed, checksum-verified output script descriptor. It is
// immutable after a successful Parse.
type Descriptor struct {
	// Kind is the script type of the descriptor.
	Kind ScriptKind

	// Keys holds the descriptor's key expressions. Exactly one entry for
	// single key kinds, and Threshold..maxMultiKeys entries for multisig.
	Keys []Key

	// Threshold is the number of required signatures for KindWSHMulti,
	// zero otherwise.
	Threshold int

	// Change reports the descriptor's branch role: true when the first
	// suffix step is the change branch (1), false for the receive branch
	// (0) or when no suffix is present.
	Change bool

	body     string
	checksum string
	params   *chaincfg.Params
}

// Parse parses and validates a descriptor string. The trailing checksum is
// verified over the body before anything else is interpreted, so a corrupted
// descriptor never reaches key parsing, let alone derivation or network I/O.
func Parse(s string, params *chaincfg.Params) (*Descriptor, error) {
	body, sum, err := verifyChecksum(s)
	if err != nil {
		return nil, err
	}

	tag, inner, err := splitFunc(body)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		body:     body,
		checksum: sum,
		params:   params,
	}

	switch tag {
	case "pkh":
		d.Kind = KindPKH

	case "wpkh":
		d.Kind = KindWPKH

	case "sh":
		// The only supported sh() wrapping is sh(wpkh(KEY)).
		wrapped, wrappedInner, err := splitFunc(inner)
		if err != nil {
			return nil, err
		}
		if wrapped != "wpkh" {
			return nil, fmt.Errorf("%w: unsupported script "+
				"sh(%s)", ErrMalformedDescriptor, wrapped)
		}

		d.Kind = KindSHWPKH
		inner = wrappedInner

	case "wsh":
		wrapped, wrappedInner, err := splitFunc(inner)
		if err != nil {
			return nil, err
		}
		if wrapped != "multi" {
			return nil, fmt.Errorf("%w: unsupported script "+
				"wsh(%s)", ErrMalformedDescriptor, wrapped)
		}

		d.Kind = KindWSHMulti
		inner = wrappedInner

	default:
		return nil, fmt.Errorf("%w: unknown script tag %q",
			ErrMalformedDescriptor, tag)
	}

	if d.Kind == KindWSHMulti {
		err = d.parseMulti(inner)
	} else {
		err = d.parseSingle(inner)
	}
	if err != nil {
		return nil, err
	}

	d.Change = len(d.Keys[0].Steps) > 0 && d.Keys[0].Steps[0] == 1

	return d, nil
}

// parseSingle parses the key expression of a single key descriptor.
func (d *Descriptor) parseSingle(inner string) error {
	key, err := parseKey(inner, d.params)
	if err != nil {
		return err
	}

	d.Keys = []Key{*key}

	return nil
}

// parseMulti parses "m,KEY,KEY,..." of a multisig policy. All key
// expressions must agree on whether they are ranged, otherwise a single index
// could not address a well-defined script.
func (d *Descriptor) parseMulti(inner string) error {
	parts := strings.Split(inner, ",")
	if len(parts) < 2 {
		return fmt.Errorf("%w: multi needs a threshold and at "+
			"least one key", ErrMalformedDescriptor)
	}

	threshold, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("%w: invalid multisig threshold %q",
			ErrMalformedDescriptor, parts[0])
	}

	keyParts := parts[1:]
	if threshold < 1 || threshold > len(keyParts) {
		return fmt.Errorf("%w: threshold %d out of range for %d "+
			"keys", ErrMalformedDescriptor, threshold,
			len(keyParts))
	}
	if len(keyParts) > maxMultiKeys {
		return fmt.Errorf("%w: more than %d multisig keys",
			ErrMalformedDescriptor, maxMultiKeys)
	}

	keys := make([]Key, 0, len(keyParts))
	for _, part := range keyParts {
		key, err := parseKey(part, d.params)
		if err != nil {
			return err
		}

		keys = append(keys, *key)
	}

	for _, key := range keys[1:] {
		if key.Wildcard != keys[0].Wildcard {
			return fmt.Errorf("%w: mixed ranged and fixed keys "+
				"in multisig policy", ErrMalformedDescriptor)
		}
	}

	d.Keys = keys
	d.Threshold = threshold

	return nil
}

// parseKey parses one key expression: "[origin]keymaterial/steps/*".
func parseKey(s string, params *chaincfg.Params) (*Key, error) {
	key := &Key{}

	// Optional key origin in brackets.
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated key origin",
				ErrMalformedDescriptor)
		}

		origin, err := parseOrigin(s[1:end])
		if err != nil {
			return nil, err
		}

		key.Origin = origin
		s = s[end+1:]
	}

	// The key material runs until the first path separator.
	material := s
	var suffix string
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		material, suffix = s[:idx], s[idx+1:]
	}

	if material == "" {
		return nil, fmt.Errorf("%w: empty key material",
			ErrMalformedDescriptor)
	}

	switch {
	// Extended keys are base58 strings starting with the network's HD
	// version prefix, e.g. xpub/tpub.
	case looksExtended(material):
		ext, err := hdkeychain.NewKeyFromString(material)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid extended key: %v",
				ErrMalformedDescriptor, err)
		}
		if ext.IsPrivate() {
			return nil, fmt.Errorf("%w: private keys are not "+
				"accepted in a watch-only descriptor",
				ErrMalformedDescriptor)
		}
		if !ext.IsForNet(params) {
			return nil, fmt.Errorf("%w: extended key is for a "+
				"different network than %s",
				ErrMalformedDescriptor, params.Name)
		}

		key.ExtKey = ext

	// Raw public keys are 33 bytes compressed (66 hex characters) or 65
	// bytes uncompressed (130 hex characters).
	case len(material) == 66 || len(material) == 130:
		raw, err := hex.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key hex",
				ErrMalformedDescriptor)
		}

		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v",
				ErrMalformedDescriptor, err)
		}

		key.RawKey = pub

	default:
		return nil, fmt.Errorf("%w: unparsable key material %q",
			ErrMalformedDescriptor, material)
	}

	if suffix == "" {
		return key, nil
	}

	// A raw public key has no chain code, so there is nothing to derive
	// below it.
	if key.RawKey != nil {
		return nil, fmt.Errorf("%w: derivation path after a raw "+
			"public key", ErrMalformedDescriptor)
	}

	steps, wildcard, err := parseSuffix(suffix)
	if err != nil {
		return nil, err
	}

	key.Steps = steps
	key.Wildcard = wildcard

	return key, nil
}

// parseOrigin parses the contents of a key origin bracket:
// "fingerprint/step/step...".
func parseOrigin(s string) (*KeyOrigin, error) {
	parts := strings.Split(s, "/")

	fp, err := hex.DecodeString(parts[0])
	if err != nil || len(fp) != fingerprintLen {
		return nil, fmt.Errorf("%w: origin fingerprint must be 8 "+
			"hex characters", ErrMalformedDescriptor)
	}

	origin := &KeyOrigin{}
	copy(origin.Fingerprint[:], fp)

	for _, part := range parts[1:] {
		step, err := parseStep(part, true)
		if err != nil {
			return nil, err
		}

		origin.Path = append(origin.Path, step)
	}

	return origin, nil
}

// parseSuffix parses the derivation steps following the key material. Only
// unhardened steps are allowed here: hardened derivation below a public key
// is impossible, so a hardened marker in the suffix is an inconsistent
// placement. The wildcard may only appear once, as the final step.
func parseSuffix(s string) ([]uint32, bool, error) {
	parts := strings.Split(s, "/")

	var (
		steps    []uint32
		wildcard bool
	)
	for i, part := range parts {
		if part == "*" {
			if i != len(parts)-1 {
				return nil, false, fmt.Errorf("%w: wildcard "+
					"must be the final path step",
					ErrMalformedDescriptor)
			}

			wildcard = true

			continue
		}

		step, err := parseStep(part, false)
		if err != nil {
			return nil, false, err
		}

		steps = append(steps, step)
	}

	return steps, wildcard, nil
}

// parseStep parses a single derivation step, optionally allowing a hardened
// marker suffix.
func parseStep(s string, allowHardened bool) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty derivation step",
			ErrMalformedDescriptor)
	}

	hardened := false
	last := s[len(s)-1]
	if last == hardenedMarker || last == 'H' || last == '\'' {
		hardened = true
		s = s[:len(s)-1]
	}

	val, err := strconv.ParseUint(s, 10, 32)
	if err != nil || val >= hdkeychain.HardenedKeyStart {
		return 0, fmt.Errorf("%w: invalid derivation step %q",
			ErrMalformedDescriptor, s)
	}

	if hardened {
		if !allowHardened {
			return 0, fmt.Errorf("%w: hardened step below a "+
				"public key", ErrMalformedDescriptor)
		}

		return uint32(val) + hdkeychain.HardenedKeyStart, nil
	}

	return uint32(val), nil
}

// looksExtended reports whether the key material looks like a serialized
// extended key rather than raw hex. All BIP32 serializations are base58
// strings of 111/112 characters whose prefix is alphabetic (xpub, tpub,
// xprv, ...).
func looksExtended(s string) bool {
	if len(s) < 100 {
		return false
	}

	c := s[0]

	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// splitFunc splits "tag(inner)" into its tag and inner expression.
func splitFunc(s string) (string, string, error) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", fmt.Errorf("%w: expected tag(...), got %q",
			ErrMalformedDescriptor, s)
	}

	return s[:open], s[open+1 : len(s)-1], nil
}

// IsRange reports whether the descriptor contains a wildcard and therefore
// describes a family of scripts rather than a single one.
func (d *Descriptor) IsRange() bool {
	for _, key := range d.Keys {
		if key.Wildcard {
			return true
		}
	}

	return false
}

// Fingerprint returns the key origin fingerprint of the descriptor's first
// key. The boolean return is false when the descriptor carries no origin
// info.
func (d *Descriptor) Fingerprint() ([fingerprintLen]byte, bool) {
	if d.Keys[0].Origin == nil {
		return [fingerprintLen]byte{}, false
	}

	return d.Keys[0].Origin.Fingerprint, true
}

// String returns the canonical descriptor string including its checksum.
func (d *Descriptor) String() string {
	return d.body + "#" + d.checksum
}

// Body returns the descriptor string without the trailing checksum.
func (d *Descriptor) Body() string {
	return d.body
}

// Params returns the network the descriptor was parsed for.
func (d *Descriptor) Params() *chaincfg.Params {
	return d.params
}

// StringAt returns the descriptor text with the wildcard bound to the given
// index and a freshly computed checksum. This is the form handed to a
// hardware signer's display-address command for cross-verification.
func (d *Descriptor) StringAt(index uint32) (string, error) {
	if !d.IsRange() {
		return "", ErrNotARangeDescriptor
	}

	bound := strings.ReplaceAll(
		d.body, "/*", "/"+strconv.FormatUint(uint64(index), 10),
	)

	return AppendChecksum(bound)
}
