package evidencehash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalSHA256 hashes the canonical JSON form of v: json.Marshal(v)
// bytes hashed with SHA256 hex. Mandate payloads and merchant
// authorizations are hashed with exactly these semantics, so both sides of
// a signature agree on the bytes being signed.
func CanonicalSHA256(v any) (hexHash string, bytes []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// HashStringSHA256Hex hashes a raw string without canonicalization. Used
// for hashing already-serialized material such as a compact JWT.
func HashStringSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
