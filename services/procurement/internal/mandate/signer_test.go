package mandate_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/retry"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/signature"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/mandate"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/settlement"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/store"
)

type fixture struct {
	signer  *mandate.Signer
	store   *store.Memory
	backend *settlement.SimBackend
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	mem := store.NewMemory()
	backend := settlement.NewSimBackend()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	signer, err := mandate.NewSigner(mem, backend, priv, "key-1",
		mandate.WithClock(func() time.Time { return now }),
		mandate.WithRetryPolicy(retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return &fixture{signer: signer, store: mem, backend: backend, clock: &now}
}

func (f *fixture) issue(t *testing.T) *mandate.Mandate {
	t.Helper()
	m, err := f.signer.Issue(context.Background(), mandate.IssueInput{
		Type:       mandate.TypeCheckout,
		Amount:     "2325.00",
		Currency:   "USD",
		SessionID:  "neg-1",
		PONumber:   "PO-AB12CD34",
		SupplierID: "sup-acme",
		ExpiresIn:  24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return m
}

func (f *fixture) authorize(t *testing.T, m *mandate.Mandate) {
	t.Helper()
	_, supplierKey, _ := ed25519.GenerateKey(rand.Reader)
	env, err := signature.Sign(m.SignedPayload, supplierKey, *f.clock, "mandate-authorization", "sup-acme")
	if err != nil {
		t.Fatalf("Sign authorization: %v", err)
	}
	if _, err := f.signer.AttachMerchantAuthorization(context.Background(), m.ID, env); err != nil {
		t.Fatalf("AttachMerchantAuthorization: %v", err)
	}
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []mandate.IssueInput{
		{Type: "bogus", Amount: "1.00", Currency: "USD", ExpiresIn: time.Hour},
		{Type: mandate.TypeCheckout, Amount: "abc", Currency: "USD", ExpiresIn: time.Hour},
		{Type: mandate.TypeCheckout, Amount: "0.00", Currency: "USD", ExpiresIn: time.Hour},
		{Type: mandate.TypeCheckout, Amount: "1.00", Currency: "XXX", ExpiresIn: time.Hour},
		{Type: mandate.TypeCheckout, Amount: "1.00", Currency: "USD", ExpiresIn: 0},
	}
	for i, in := range cases {
		if _, err := f.signer.Issue(ctx, in); !domain.IsValidation(err) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

func TestIssueAcceptsEveryMandateType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, typ := range []mandate.Type{mandate.TypeCheckout, mandate.TypeRecurring, mandate.TypePreauth} {
		m, err := f.signer.Issue(ctx, mandate.IssueInput{
			Type: typ, Amount: "1.00", Currency: "USD", SupplierID: "sup-acme", ExpiresIn: time.Hour,
		})
		if err != nil {
			t.Fatalf("Issue(%s): %v", typ, err)
		}
		if m.Type != typ {
			t.Fatalf("expected type %s, got %s", typ, m.Type)
		}
	}
}

func TestMandateLifecycleHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.issue(t)
	if m.Status != mandate.StatusCreated || m.Algorithm != "EdDSA" {
		t.Fatalf("unexpected issued mandate: %+v", m)
	}
	if !strings.Contains(m.SignedPayload, ".") {
		t.Fatalf("expected compact JWT payload")
	}

	sent, err := f.signer.Send(ctx, m.ID)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.Status != mandate.StatusSent || sent.SentAt == nil {
		t.Fatalf("unexpected sent mandate: %+v", sent)
	}
	if _, err := f.signer.Send(ctx, m.ID); !domain.IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError on double send, got %v", err)
	}

	f.authorize(t, sent)

	res, err := f.signer.Verify(ctx, m.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Status != mandate.StatusVerified {
		t.Fatalf("unexpected verification: %+v", res)
	}

	executed, err := f.signer.Execute(ctx, m.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if executed.Status != mandate.StatusExecuted || executed.SettlementRef == "" || executed.ExecutedAt == nil {
		t.Fatalf("unexpected executed mandate: %+v", executed)
	}
	if _, err := f.signer.Execute(ctx, m.ID); !domain.IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError on double execute, got %v", err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.issue(t)

	stored, err := f.store.GetMandate(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMandate: %v", err)
	}
	parts := strings.Split(stored.SignedPayload, ".")
	if len(parts) != 3 {
		t.Fatalf("expected compact JWT, got %q", stored.SignedPayload)
	}
	flipped := []byte(parts[1])
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	stored.SignedPayload = parts[0] + "." + string(flipped) + "." + parts[2]
	if err := f.store.UpdateMandate(ctx, stored); err != nil {
		t.Fatalf("UpdateMandate: %v", err)
	}

	res, err := f.signer.Verify(ctx, m.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatalf("tampered payload must not verify")
	}
	stored, _ = f.store.GetMandate(ctx, m.ID)
	if stored.Status != mandate.StatusCreated {
		t.Fatalf("failed verification must not change status, got %s", stored.Status)
	}
}

func TestVerifyExpiredByClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.issue(t)

	*f.clock = f.clock.Add(48 * time.Hour)
	res, err := f.signer.Verify(ctx, m.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatalf("expired mandate must not verify")
	}
	if !strings.Contains(res.Reason, "expired") {
		t.Fatalf("expected expiry reason, got %q", res.Reason)
	}
}

func TestExecuteRequiresVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.issue(t)

	if _, err := f.signer.Execute(ctx, m.ID); !domain.IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if f.backend.Attempts(m.ID) != 0 {
		t.Fatalf("unverified execute must never reach the backend")
	}
}

func TestExecuteExpiresAtUseTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.issue(t)
	if _, err := f.signer.Verify(ctx, m.ID); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	*f.clock = f.clock.Add(25 * time.Hour)
	_, err := f.signer.Execute(ctx, m.ID)
	if !domain.IsExpired(err) {
		t.Fatalf("expected ExpiredError, got %v", err)
	}
	stored, _ := f.store.GetMandate(ctx, m.ID)
	if stored.Status != mandate.StatusExpired {
		t.Fatalf("expected expired status, got %s", stored.Status)
	}
	if f.backend.Attempts(m.ID) != 0 {
		t.Fatalf("expired execute must never reach the backend")
	}
}

func TestExecuteFailureThenRetryAfterReverify(t *testing.T) {
	f := newFixture(t)
	f.backend.FailuresBeforeSuccess = 3
	ctx := context.Background()
	m := f.issue(t)
	if _, err := f.signer.Verify(ctx, m.ID); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	failed, err := f.signer.Execute(ctx, m.ID)
	if err == nil {
		t.Fatalf("expected settlement failure")
	}
	if failed.Status != mandate.StatusFailed || failed.ErrorText == "" {
		t.Fatalf("unexpected failed mandate: %+v", failed)
	}

	res, err := f.signer.Verify(ctx, m.ID)
	if err != nil || !res.Valid {
		t.Fatalf("re-verify after failure: valid=%v err=%v", res.Valid, err)
	}
	executed, err := f.signer.Execute(ctx, m.ID)
	if err != nil {
		t.Fatalf("Execute after re-verify: %v", err)
	}
	if executed.Status != mandate.StatusExecuted || executed.ErrorText != "" {
		t.Fatalf("unexpected executed mandate: %+v", executed)
	}
}

func TestAttachAuthorizationRejectsWrongContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.issue(t)

	_, supplierKey, _ := ed25519.GenerateKey(rand.Reader)
	env, err := signature.Sign(m.SignedPayload, supplierKey, *f.clock, "some-other-context", "sup-acme")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := f.signer.AttachMerchantAuthorization(ctx, m.ID, env); err == nil {
		t.Fatalf("expected context mismatch rejection")
	}
}

func TestFailInvalidatesMandate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.issue(t)

	failed, err := f.signer.Fail(ctx, m.ID, "run cancelled")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != mandate.StatusFailed || failed.ErrorText != "run cancelled" {
		t.Fatalf("unexpected failed mandate: %+v", failed)
	}
}
