package signature

// Envelope is a detached sig-v1 signature over the SHA256 hash of a
// canonical JSON payload. Merchants counter-sign payment mandates with one
// of these; the envelope travels with the mandate record.
type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	KeyID       string `json:"key_id,omitempty"`
	Context     string `json:"context,omitempty"`
}
