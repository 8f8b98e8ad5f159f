/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"fmt"
	"strings"
)

// PublicKey is the canonical string form of a node identity:
// "boa1" + 59 data characters (63 chars total). Parsing also accepts the
// bare 59-character form without the HRP. Unlike domain labels, key
// comparison is case sensitive: the encoding carries a checksum.
type PublicKey string

const (
	PubkeyHRP     = "boa1"
	PubkeyFullLen = 63
	PubkeyBareLen = 59
)

// The bech32 data character set. Mixed case is rejected.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func validDataChars(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune(bech32Charset, c) {
			return false
		}
	}
	return len(s) > 0
}

// ParsePublicKey accepts either the HRP form (boa1..., 63 chars) or the
// bare form (59 chars) and returns the canonical HRP form.
func ParsePublicKey(s string) (PublicKey, error) {
	switch len(s) {
	case PubkeyFullLen:
		if !strings.HasPrefix(s, PubkeyHRP) {
			return "", fmt.Errorf("public key %q: missing %q prefix", s, PubkeyHRP)
		}
		if !validDataChars(s[len(PubkeyHRP):]) {
			return "", fmt.Errorf("public key %q: invalid character", s)
		}
		return PublicKey(s), nil

	case PubkeyBareLen:
		if !validDataChars(s) {
			return "", fmt.Errorf("public key %q: invalid character", s)
		}
		return PublicKey(PubkeyHRP + s), nil

	default:
		return "", fmt.Errorf("public key %q: bad length %d (want %d or %d)",
			s, len(s), PubkeyFullLen, PubkeyBareLen)
	}
}

func (pk PublicKey) String() string {
	return string(pk)
}

// Bare returns the key without the HRP prefix.
func (pk PublicKey) Bare() string {
	return strings.TrimPrefix(string(pk), PubkeyHRP)
}
