// Package pool implements the client for the L1 escrow pool: tracked trade
// keys, off-chain map reads, and the proof-carrying operator mutations.
package pool

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TradeKey is the display form of a cross-chain trade identifier: either a
// UUID string or a bare hex scalar. The scalar form used in on-chain storage
// is derived with Scalar.
type TradeKey string

// fieldModulus is the base field of the pool ledger's proof system
// (2^254 + 45560315531419706090280762371685220353).
var fieldModulus, _ = new(big.Int).SetString(
	"28948022309329048855892746252171976963363056481941560715954676764349967630337", 10)

// Round constants for the key-folding hash. Arbitrary but fixed: the only
// requirement is that the display->scalar mapping is deterministic.
var keyHashRounds = []*big.Int{
	mustBig("7059232134132594848863106508162999806"),
	mustBig("13427489161945842786283123469312008372"),
	mustBig("23892150272102193608517629732126096347"),
	mustBig("9780455599853572246289117099952629449"),
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad round constant: " + s)
	}
	return v
}

const keyChunkHexWidth = 8

// Scalar maps the display form onto a single field element, returned as a
// decimal string. A bare hex scalar is accepted and returned as its own
// value; a UUID is split into fixed-width hex chunks and folded through an
// algebraic hash over the field.
func (k TradeKey) Scalar() (string, error) {
	s := strings.ToLower(strings.TrimSpace(string(k)))
	if s == "" {
		return "", errors.New("empty trade key")
	}

	if isHexScalar(s) {
		v, ok := new(big.Int).SetString(s, 16)
		if !ok {
			return "", errors.Errorf("invalid hex scalar %q", s)
		}
		if v.Cmp(fieldModulus) >= 0 {
			return "", errors.Errorf("hex scalar %q exceeds field modulus", s)
		}
		return v.String(), nil
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return "", errors.Wrapf(err, "trade key %q is neither a hex scalar nor a UUID", s)
	}

	hexDigits := strings.ReplaceAll(id.String(), "-", "")
	acc := new(big.Int)
	tmp := new(big.Int)
	for i := 0; i < len(hexDigits); i += keyChunkHexWidth {
		chunk, ok := new(big.Int).SetString(hexDigits[i:i+keyChunkHexWidth], 16)
		if !ok {
			return "", errors.Errorf("invalid hex chunk in %q", s)
		}
		// acc = (acc + chunk)^5 + rc  (mod p)
		acc.Add(acc, chunk)
		acc.Mod(acc, fieldModulus)
		tmp.Exp(acc, big.NewInt(5), fieldModulus)
		acc.Add(tmp, keyHashRounds[(i/keyChunkHexWidth)%len(keyHashRounds)])
		acc.Mod(acc, fieldModulus)
	}
	return acc.String(), nil
}

// isHexScalar reports whether s looks like a bare hex field element rather
// than a dashed UUID. 64 hex digits cover the full field width.
func isHexScalar(s string) bool {
	if len(s) == 0 || len(s) > 64 || strings.Contains(s, "-") {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
