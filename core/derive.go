package core

import (
	"encoding/hex"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// targetDomainKey is the 32-byte key for BLAKE3 keyed hashing of target
// identifiers. Domain separation keeps these hashes from colliding with
// any other hash the service computes over the same bytes. The value is
// the ASCII encoding of the domain name, zero-padded to 32 bytes, so it
// stays readable in hex dumps without losing any cryptographic property.
var targetDomainKey = [32]byte{
	'r', 'e', 't', 'o', 'u', 'c', 'h', '.', 's', 'k', 'i', 'l', 'l', '.',
	't', 'a', 'r', 'g', 'e', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// targetHexLen is the number of hex characters kept from the digest. 32
// characters (128 bits) is far beyond collision range for a per-account
// artifact namespace while keeping ids log-friendly.
const targetHexLen = 32

// canonicalEncMode returns the deterministic CBOR encoder used for target
// derivation: sorted map keys, shortest-form integers and floats. Two
// parameter maps that differ only in key order or numeric spelling encode
// to identical bytes, so equivalent requests collapse to the same target.
var canonicalEncMode = sync.OnceValues(func() (cbor.EncMode, error) {
	return cbor.CoreDetEncOptions().EncMode()
})

// canonicalInvocation fixes the field order of the encoded tuple. Changing
// this layout invalidates every previously derived target identifier.
type canonicalInvocation struct {
	_      struct{} `cbor:",toarray"`
	Skill  string
	Inputs []State
	Params map[string]any
}

// DeriveTarget computes the target state identifier for an invocation:
// the keyed BLAKE3 digest of the canonical CBOR encoding of (skill name,
// ordered input states, parameters). The derivation is pure; it is both
// the pre-flight correlation key for pending-operation de-duplication and
// the identifier under which a content-addressed server stores the
// artifact.
func DeriveTarget(inv Invocation) (State, error) {
	em, err := canonicalEncMode()
	if err != nil {
		return "", WrapErr(KindValidation, "derive", err)
	}
	params := inv.Params
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := em.Marshal(canonicalInvocation{
		Skill:  inv.Skill,
		Inputs: inv.Inputs,
		Params: params,
	})
	if err != nil {
		return "", Errf(KindValidation, "derive", "parameters for skill %q are not encodable: %v", inv.Skill, err)
	}

	hasher, err := blake3.NewKeyed(targetDomainKey[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which the fixed-size
		// array rules out.
		panic("core: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(encoded)
	digest := hasher.Sum(nil)
	return State(StatePrefix + hex.EncodeToString(digest)[:targetHexLen]), nil
}
