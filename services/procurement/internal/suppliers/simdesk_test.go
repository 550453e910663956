package suppliers

import (
	"context"
	"testing"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/money"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/signature"
)

func testDesk(t *testing.T) *SimDesk {
	t.Helper()
	d, err := NewSimDesk([]SimSupplier{
		{ID: "sup-acme", Name: "Acme Industrial", PriceBySKU: map[string]string{"widget-a": "4.80"}, OnTimeRate: 0.97},
		{ID: "sup-borealis", Name: "Borealis Supply Co", PriceBySKU: map[string]string{"widget-a": "5.10"}, OnTimeRate: 0.95},
		{ID: "sup-down", Name: "Down Corp", PriceBySKU: map[string]string{"widget-a": "4.00"}, Fail: true},
	})
	if err != nil {
		t.Fatalf("NewSimDesk: %v", err)
	}
	return d
}

func usd(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.Parse("USD", s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return a
}

func TestQuotesSkipFailingSuppliers(t *testing.T) {
	d := testDesk(t)
	quotes, err := d.Quotes(context.Background(), "widget-a", 500, "USD")
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 quotes with failing supplier skipped, got %d", len(quotes))
	}
	if quotes[0].SupplierID != "sup-acme" || quotes[0].UnitPrice != "4.80" {
		t.Fatalf("quotes not sorted by price: %+v", quotes)
	}
}

func TestQuotesUnknownSKU(t *testing.T) {
	d := testDesk(t)
	quotes, err := d.Quotes(context.Background(), "widget-z", 10, "USD")
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if len(quotes) != 0 {
		t.Fatalf("expected no quotes for unstocked SKU, got %+v", quotes)
	}
}

func TestConcessionLadder(t *testing.T) {
	d := testDesk(t)
	ctx := context.Background()
	last := usd(t, "4.80")

	// Within 5 percent: accepted at the counter price.
	dec, err := d.RespondToCounter(ctx, "sup-acme", last, usd(t, "4.60"))
	if err != nil {
		t.Fatalf("RespondToCounter: %v", err)
	}
	if !dec.Accepted || dec.Price.String() != "4.60" {
		t.Fatalf("expected acceptance at 4.60, got %+v", dec)
	}

	// Within 10 percent: meet halfway. (4.80+4.50)/2 = 4.65.
	dec, err = d.RespondToCounter(ctx, "sup-acme", last, usd(t, "4.50"))
	if err != nil {
		t.Fatalf("RespondToCounter: %v", err)
	}
	if dec.Accepted || dec.Price.String() != "4.65" {
		t.Fatalf("expected halfway 4.65, got %+v", dec)
	}

	// Within 15 percent: 5 percent off the last offer. 4.80*0.95 = 4.56.
	dec, err = d.RespondToCounter(ctx, "sup-acme", last, usd(t, "4.20"))
	if err != nil {
		t.Fatalf("RespondToCounter: %v", err)
	}
	if dec.Accepted || dec.Price.String() != "4.56" {
		t.Fatalf("expected 4.56, got %+v", dec)
	}

	// Deeper: 3 percent off. 4.80*0.97 = 4.65 (floor of 465.6 is 465).
	dec, err = d.RespondToCounter(ctx, "sup-acme", last, usd(t, "3.00"))
	if err != nil {
		t.Fatalf("RespondToCounter: %v", err)
	}
	if dec.Accepted || dec.Price.String() != "4.65" {
		t.Fatalf("expected 4.65, got %+v", dec)
	}

	// A counter at or above the offer is simply accepted.
	dec, err = d.RespondToCounter(ctx, "sup-acme", last, usd(t, "4.80"))
	if err != nil {
		t.Fatalf("RespondToCounter: %v", err)
	}
	if !dec.Accepted {
		t.Fatalf("expected acceptance at offer price, got %+v", dec)
	}
}

func TestAuthorizeMandateVerifies(t *testing.T) {
	d := testDesk(t)
	payload := "header.claims.signature"
	env, err := d.AuthorizeMandate(context.Background(), "sup-acme", payload)
	if err != nil {
		t.Fatalf("AuthorizeMandate: %v", err)
	}
	if env.KeyID != "sup-acme" || env.Context != "mandate-authorization" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if _, err := signature.VerifyEnvelope(payload, env, "mandate-authorization"); err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}
}

func TestUnknownSupplierCalls(t *testing.T) {
	d := testDesk(t)
	ctx := context.Background()
	if _, err := d.RespondToCounter(ctx, "sup-ghost", usd(t, "4.80"), usd(t, "4.50")); err == nil {
		t.Fatalf("expected error for unknown supplier")
	}
	if _, err := d.AuthorizeMandate(ctx, "sup-ghost", "x"); err == nil {
		t.Fatalf("expected error for unknown supplier")
	}
}
