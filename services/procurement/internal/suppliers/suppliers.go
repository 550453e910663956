package suppliers

import (
	"context"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/money"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/signature"
)

// Quote is one supplier's price for a SKU at a quantity.
type Quote struct {
	SupplierID   string  `json:"supplier_id"`
	SupplierName string  `json:"supplier_name"`
	SKU          string  `json:"sku"`
	UnitPrice    string  `json:"unit_price"`
	Currency     string  `json:"currency"`
	LeadTimeDays int     `json:"lead_time_days"`
	QualityScore float64 `json:"quality_score"`
	OnTimeRate   float64 `json:"on_time_rate"`
}

// QuoteProvider fans a quote request out to the supplier base. Suppliers
// that fail or time out are omitted from the result rather than failing
// the request.
type QuoteProvider interface {
	Quotes(ctx context.Context, sku string, quantity int, currency string) ([]Quote, error)
}

// CounterDecision is a supplier's answer to a buyer counter-offer.
// Accepted means the supplier takes the counter price as final; otherwise
// Price carries the supplier's revised offer.
type CounterDecision struct {
	Accepted bool
	Price    money.Amount
}

// Desk is the full supplier-facing surface: quoting, counter-offer
// responses, and mandate counter-authorization.
type Desk interface {
	QuoteProvider
	// RespondToCounter asks the supplier to react to the buyer's counter
	// given their last offered price.
	RespondToCounter(ctx context.Context, supplierID string, lastOffer, counter money.Amount) (CounterDecision, error)
	// AuthorizeMandate returns the supplier's counter-signature over a
	// mandate's signed payload.
	AuthorizeMandate(ctx context.Context, supplierID, signedPayload string) (signature.Envelope, error)
	// OnTimeRates returns the historical on-time delivery rate per
	// supplier, for offer ranking.
	OnTimeRates() map[string]float64
}
