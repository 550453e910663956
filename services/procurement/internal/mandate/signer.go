package mandate

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/money"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/retry"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/signature"
)

const (
	issuerName           = "supplymind"
	gatewayAudience      = "ap2-payment-gateway"
	authorizationContext = "mandate-authorization"
)

// Signer owns the mandate lifecycle: issue, send, verify, execute. All
// mandates it issues are EdDSA JWTs signed with a single service key.
type Signer struct {
	store   Store
	backend Backend
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	keyID   string
	policy  retry.Policy
	now     func() time.Time
	newID   func() string
	locks   sync.Map // mandate ID -> *sync.Mutex
}

type Option func(*Signer)

// WithClock pins the signer's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithRetryPolicy overrides the settlement retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Signer) { s.policy = p }
}

func NewSigner(store Store, backend Backend, priv ed25519.PrivateKey, keyID string, opts ...Option) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("ed25519 signing key is required")
	}
	s := &Signer{
		store:   store,
		backend: backend,
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
		policy:  retry.Default,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return "mnd-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PublicKey returns the verification key for the signer's mandates.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// IssueInput describes a mandate to be created.
type IssueInput struct {
	Type       Type
	Amount     string
	Currency   string
	SessionID  string
	PONumber   string
	SupplierID string
	ExpiresIn  time.Duration
}

// Issue validates the input, signs the claim set, and persists the
// mandate in status created. Nothing is persisted when any check fails.
func (s *Signer) Issue(ctx context.Context, in IssueInput) (*Mandate, error) {
	switch in.Type {
	case TypeCheckout, TypeRecurring, TypePreauth:
	default:
		return nil, domain.Validationf("mandate_type", "unknown mandate type %q", in.Type)
	}
	amt, err := money.Parse(in.Currency, in.Amount)
	if err != nil {
		return nil, domain.Validationf("amount", "%v", err)
	}
	if amt.IsZero() {
		return nil, domain.Validationf("amount", "must be positive")
	}
	if in.ExpiresIn <= 0 {
		return nil, domain.Validationf("expires_in", "must be positive")
	}

	now := s.now()
	expiresAt := now.Add(in.ExpiresIn)
	id := s.newID()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   id,
			Audience:  jwt.ClaimStrings{gatewayAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		MandateID:   id,
		MandateType: in.Type,
		Amount:      amt.String(),
		Currency:    amt.Currency,
		SessionID:   in.SessionID,
		PONumber:    in.PONumber,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	signed, err := tok.SignedString(s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign mandate: %w", err)
	}

	m := &Mandate{
		ID:            id,
		Type:          in.Type,
		Status:        StatusCreated,
		Amount:        amt.String(),
		Currency:      amt.Currency,
		SessionID:     in.SessionID,
		PONumber:      in.PONumber,
		SupplierID:    in.SupplierID,
		SignedPayload: signed,
		Algorithm:     "EdDSA",
		KeyID:         s.keyID,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	if err := s.store.CreateMandate(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Send marks the mandate as delivered to the merchant. Only a freshly
// created mandate can be sent.
func (s *Signer) Send(ctx context.Context, id string) (*Mandate, error) {
	unlock := s.lock(id)
	defer unlock()

	m, err := s.store.GetMandate(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.CompareAndSetMandateStatus(ctx, id, []Status{StatusCreated}, StatusSent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.InvalidStateError{Entity: "mandate", ID: id, Status: string(m.Status), Op: "send"}
	}
	now := s.now()
	m.Status = StatusSent
	m.SentAt = &now
	if err := s.store.UpdateMandate(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AttachMerchantAuthorization records the merchant's counter-signature
// over the mandate's signed payload. The envelope must verify before it
// is stored.
func (s *Signer) AttachMerchantAuthorization(ctx context.Context, id string, env signature.Envelope) (*Mandate, error) {
	unlock := s.lock(id)
	defer unlock()

	m, err := s.store.GetMandate(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, &domain.InvalidStateError{Entity: "mandate", ID: id, Status: string(m.Status), Op: "attach authorization"}
	}
	if _, err := signature.VerifyEnvelope(m.SignedPayload, env, authorizationContext); err != nil {
		return nil, fmt.Errorf("merchant authorization: %w", err)
	}
	m.MerchantAuthorization = &env
	if err := s.store.UpdateMandate(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// VerificationResult reports the outcome of a verify pass. A failed
// verification is a result, not an error; errors are reserved for store
// and system failures.
type VerificationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Status Status `json:"status"`
}

// Verify re-parses the mandate's JWT against the signing key and clock,
// cross-checks the claims against the stored record, and on success moves
// the mandate to verified. A created, sent, or previously failed mandate
// may be verified; executed and expired are final.
func (s *Signer) Verify(ctx context.Context, id string) (VerificationResult, error) {
	unlock := s.lock(id)
	defer unlock()

	m, err := s.store.GetMandate(ctx, id)
	if err != nil {
		return VerificationResult{}, err
	}
	if m.Status.Terminal() {
		return VerificationResult{}, &domain.InvalidStateError{Entity: "mandate", ID: id, Status: string(m.Status), Op: "verify"}
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(m.SignedPayload, claims,
		func(t *jwt.Token) (any, error) { return s.pub, nil },
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(issuerName),
		jwt.WithAudience(gatewayAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		reason := "signature verification failed"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "mandate expired"
		}
		return VerificationResult{Valid: false, Reason: reason, Status: m.Status}, nil
	}
	if !tok.Valid {
		return VerificationResult{Valid: false, Reason: "token invalid", Status: m.Status}, nil
	}
	if claims.MandateID != m.ID || claims.Amount != m.Amount || claims.Currency != m.Currency || claims.MandateType != m.Type {
		return VerificationResult{Valid: false, Reason: "claims do not match mandate record", Status: m.Status}, nil
	}

	ok, err := s.store.CompareAndSetMandateStatus(ctx, id, []Status{StatusCreated, StatusSent, StatusFailed}, StatusVerified)
	if err != nil {
		return VerificationResult{}, err
	}
	if !ok {
		return VerificationResult{}, &domain.InvalidStateError{Entity: "mandate", ID: id, Status: string(m.Status), Op: "verify"}
	}
	now := s.now()
	m.Status = StatusVerified
	m.VerifiedAt = &now
	m.ErrorText = ""
	if err := s.store.UpdateMandate(ctx, m); err != nil {
		return VerificationResult{}, err
	}
	return VerificationResult{Valid: true, Status: StatusVerified}, nil
}

// Execute settles a verified mandate against the payment backend. The
// expiry check happens at execution time against the clock, not against
// the stored status. On settlement failure the mandate lands in failed
// with the error recorded, and may be re-verified and retried.
func (s *Signer) Execute(ctx context.Context, id string) (*Mandate, error) {
	unlock := s.lock(id)
	defer unlock()

	m, err := s.store.GetMandate(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusVerified {
		return nil, &domain.InvalidStateError{Entity: "mandate", ID: id, Status: string(m.Status), Op: "execute"}
	}
	now := s.now()
	if !now.Before(m.ExpiresAt) {
		if _, err := s.store.CompareAndSetMandateStatus(ctx, id, []Status{StatusVerified}, StatusExpired); err != nil {
			return nil, err
		}
		m.Status = StatusExpired
		if err := s.store.UpdateMandate(ctx, m); err != nil {
			return nil, err
		}
		return m, &domain.ExpiredError{Entity: "mandate", ID: id, ExpiredAt: m.ExpiresAt}
	}

	var ref string
	settleErr := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, err = s.backend.Settle(ctx, m.ID, m.Amount, m.Currency, m.SupplierID)
		return err
	})
	if settleErr != nil {
		if _, err := s.store.CompareAndSetMandateStatus(ctx, id, []Status{StatusVerified}, StatusFailed); err != nil {
			return nil, err
		}
		m.Status = StatusFailed
		m.ErrorText = settleErr.Error()
		if err := s.store.UpdateMandate(ctx, m); err != nil {
			return nil, err
		}
		return m, fmt.Errorf("settle mandate %s: %w", id, settleErr)
	}

	ok, err := s.store.CompareAndSetMandateStatus(ctx, id, []Status{StatusVerified}, StatusExecuted)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.InvalidStateError{Entity: "mandate", ID: id, Status: string(m.Status), Op: "execute"}
	}
	executedAt := s.now()
	m.Status = StatusExecuted
	m.SettlementRef = ref
	m.ExecutedAt = &executedAt
	if err := s.store.UpdateMandate(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Fail force-fails a non-terminal mandate, recording the reason. Run
// cancellation uses it to invalidate in-flight mandates.
func (s *Signer) Fail(ctx context.Context, id, reason string) (*Mandate, error) {
	unlock := s.lock(id)
	defer unlock()

	m, err := s.store.GetMandate(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, &domain.InvalidStateError{Entity: "mandate", ID: id, Status: string(m.Status), Op: "fail"}
	}
	ok, err := s.store.CompareAndSetMandateStatus(ctx, id, []Status{StatusCreated, StatusSent, StatusVerified, StatusFailed}, StatusFailed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.InvalidStateError{Entity: "mandate", ID: id, Status: string(m.Status), Op: "fail"}
	}
	m.Status = StatusFailed
	m.ErrorText = reason
	if err := s.store.UpdateMandate(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Signer) lock(id string) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}
