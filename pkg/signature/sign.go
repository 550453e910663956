package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/evidencehash"
)

// Sign produces a sig-v1 ed25519 envelope over the canonical JSON form of
// payload. The signature covers the 32-byte SHA256 payload hash, not the
// raw payload bytes.
func Sign(payload any, priv ed25519.PrivateKey, issuedAt time.Time, context, keyID string) (Envelope, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Envelope{}, errors.New("ed25519 private key is required")
	}
	issuedAtUTC := issuedAt.UTC()
	if issuedAtUTC.IsZero() {
		return Envelope{}, errors.New("issued_at is required")
	}
	hashHex, _, err := evidencehash.CanonicalSHA256(payload)
	if err != nil {
		return Envelope{}, err
	}
	msg, err := hex.DecodeString(hashHex)
	if err != nil {
		return Envelope{}, err
	}
	sig := ed25519.Sign(priv, msg)
	pub := priv.Public().(ed25519.PublicKey)
	env := Envelope{
		Version:     "sig-v1",
		Algorithm:   "ed25519",
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: hashHex,
		IssuedAt:    issuedAtUTC.Format(time.RFC3339Nano),
	}
	if strings.TrimSpace(context) != "" {
		env.Context = strings.TrimSpace(context)
	}
	if strings.TrimSpace(keyID) != "" {
		env.KeyID = strings.TrimSpace(keyID)
	}
	return env, nil
}
