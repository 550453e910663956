package mandate

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/signature"
)

// Type follows the AP2 mandate taxonomy. Procurement runs issue checkout
// mandates; recurring and preauth mandates are accepted for completeness.
type Type string

const (
	TypeCheckout  Type = "checkout"
	TypeRecurring Type = "recurring"
	TypePreauth   Type = "preauth"
)

type Status string

const (
	StatusCreated  Status = "created"
	StatusSent     Status = "sent"
	StatusVerified Status = "verified"
	StatusExecuted Status = "executed"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
// failed is not terminal: a failed mandate may be re-verified and retried
// until it expires.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusExpired
}

// Claims is the JWT claim set carried by a signed mandate. Expiry is
// derived from RegisteredClaims, never stored separately.
type Claims struct {
	jwt.RegisteredClaims
	MandateID   string `json:"mandate_id"`
	MandateType Type   `json:"mandate_type"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	SessionID   string `json:"session_id,omitempty"`
	PONumber    string `json:"po_number,omitempty"`
}

// Mandate is a signed payment authorization. SignedPayload holds the
// compact JWT; the amount and expiry columns are a convenience copy of
// the claims and are cross-checked on every verify.
type Mandate struct {
	ID                    string              `json:"mandate_id"`
	Type                  Type                `json:"mandate_type"`
	Status                Status              `json:"status"`
	Amount                string              `json:"amount"`
	Currency              string              `json:"currency"`
	SessionID             string              `json:"session_id,omitempty"`
	PONumber              string              `json:"po_number,omitempty"`
	SupplierID            string              `json:"supplier_id,omitempty"`
	SignedPayload         string              `json:"signed_payload"`
	Algorithm             string              `json:"algorithm"`
	KeyID                 string              `json:"key_id,omitempty"`
	MerchantAuthorization *signature.Envelope `json:"merchant_authorization,omitempty"`
	SettlementRef         string              `json:"settlement_ref,omitempty"`
	ErrorText             string              `json:"error,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	ExpiresAt             time.Time           `json:"expires_at"`
	SentAt                *time.Time          `json:"sent_at,omitempty"`
	VerifiedAt            *time.Time          `json:"verified_at,omitempty"`
	ExecutedAt            *time.Time          `json:"executed_at,omitempty"`
}

// Store persists mandates. CompareAndSetMandateStatus must be atomic so
// two executors cannot both move the same mandate to executed.
type Store interface {
	CreateMandate(ctx context.Context, m *Mandate) error
	GetMandate(ctx context.Context, id string) (*Mandate, error)
	UpdateMandate(ctx context.Context, m *Mandate) error
	// CompareAndSetMandateStatus moves the mandate to the target status
	// only when its current status is one of from. It returns false when
	// the swap lost.
	CompareAndSetMandateStatus(ctx context.Context, id string, from []Status, to Status) (bool, error)
}

// Backend settles a verified mandate against the payment rails. Settle
// returns a settlement reference on success; transient failures are
// marked with domain.Transient for the retry wrapper.
type Backend interface {
	Settle(ctx context.Context, mandateID, amount, currency, supplierID string) (string, error)
}
