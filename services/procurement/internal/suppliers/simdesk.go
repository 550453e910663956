package suppliers

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/money"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/signature"
)

// SimSupplier configures one simulated supplier on the desk.
type SimSupplier struct {
	ID         string
	Name       string
	PriceBySKU map[string]string
	// DefaultPrice quotes SKUs missing from PriceBySKU; empty means the
	// supplier does not stock unlisted SKUs.
	DefaultPrice string
	Currency     string
	LeadTimeDays int
	QualityScore float64
	OnTimeRate   float64
	// Fail makes every call from this supplier error, to exercise the
	// partial-failure path.
	Fail bool

	key ed25519.PrivateKey
}

// SimDesk is a deterministic in-process supplier desk. Quote fan-out runs
// one goroutine per supplier under a shared deadline; counter responses
// follow a fixed concession ladder keyed on the buyer's asked discount.
type SimDesk struct {
	mu        sync.RWMutex
	suppliers map[string]*SimSupplier
	timeout   time.Duration
	now       func() time.Time
}

const defaultQuoteTimeout = 2 * time.Second

func NewSimDesk(configs []SimSupplier) (*SimDesk, error) {
	d := &SimDesk{
		suppliers: make(map[string]*SimSupplier, len(configs)),
		timeout:   defaultQuoteTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for i := range configs {
		s := configs[i]
		if s.ID == "" {
			return nil, fmt.Errorf("supplier %d: id is required", i)
		}
		if _, dup := d.suppliers[s.ID]; dup {
			return nil, fmt.Errorf("supplier %s configured twice", s.ID)
		}
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		s.key = priv
		d.suppliers[s.ID] = &s
	}
	return d, nil
}

// Quotes collects unit prices for the SKU from every configured supplier
// concurrently. Suppliers that fail are skipped; the result is sorted by
// unit price ascending.
func (d *SimDesk) Quotes(ctx context.Context, sku string, quantity int, currency string) ([]Quote, error) {
	if quantity < 1 {
		return nil, domain.Validationf("quantity", "must be >= 1")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.mu.RLock()
	all := make([]*SimSupplier, 0, len(d.suppliers))
	for _, s := range d.suppliers {
		all = append(all, s)
	}
	d.mu.RUnlock()

	results := make(chan Quote, len(all))
	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *SimSupplier) {
			defer wg.Done()
			q, err := d.quoteOne(ctx, s, sku, currency)
			if err != nil {
				return
			}
			results <- q
		}(s)
	}
	wg.Wait()
	close(results)

	quotes := make([]Quote, 0, len(all))
	for q := range results {
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool {
		a, errA := money.Parse(quotes[i].Currency, quotes[i].UnitPrice)
		b, errB := money.Parse(quotes[j].Currency, quotes[j].UnitPrice)
		if errA != nil || errB != nil {
			return quotes[i].SupplierID < quotes[j].SupplierID
		}
		if a.Minor != b.Minor {
			return a.Minor < b.Minor
		}
		return quotes[i].SupplierID < quotes[j].SupplierID
	})
	return quotes, nil
}

func (d *SimDesk) quoteOne(ctx context.Context, s *SimSupplier, sku, currency string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if s.Fail {
		return Quote{}, domain.Transient(fmt.Errorf("supplier %s unavailable", s.ID))
	}
	price, ok := s.PriceBySKU[sku]
	if !ok {
		if s.DefaultPrice == "" {
			return Quote{}, fmt.Errorf("supplier %s does not stock %s", s.ID, sku)
		}
		price = s.DefaultPrice
	}
	ccy := s.Currency
	if ccy == "" {
		ccy = currency
	}
	if _, err := money.Parse(ccy, price); err != nil {
		return Quote{}, err
	}
	return Quote{
		SupplierID:   s.ID,
		SupplierName: s.Name,
		SKU:          sku,
		UnitPrice:    price,
		Currency:     ccy,
		LeadTimeDays: s.LeadTimeDays,
		QualityScore: s.QualityScore,
		OnTimeRate:   s.OnTimeRate,
	}, nil
}

// RespondToCounter applies the desk's concession ladder. The asked
// discount is measured against the supplier's last offer:
// up to 5 percent is accepted at the counter price, up to 10 percent
// meets halfway, up to 15 percent yields a 5 percent reduction, anything
// deeper yields 3 percent.
func (d *SimDesk) RespondToCounter(ctx context.Context, supplierID string, lastOffer, counter money.Amount) (CounterDecision, error) {
	if err := ctx.Err(); err != nil {
		return CounterDecision{}, err
	}
	d.mu.RLock()
	s, ok := d.suppliers[supplierID]
	d.mu.RUnlock()
	if !ok {
		return CounterDecision{}, fmt.Errorf("unknown supplier %s", supplierID)
	}
	if s.Fail {
		return CounterDecision{}, domain.Transient(fmt.Errorf("supplier %s unavailable", supplierID))
	}
	if lastOffer.Currency != counter.Currency {
		return CounterDecision{}, fmt.Errorf("currency mismatch: %s vs %s", lastOffer.Currency, counter.Currency)
	}
	if counter.Minor >= lastOffer.Minor {
		return CounterDecision{Accepted: true, Price: counter}, nil
	}
	if lastOffer.Minor == 0 {
		return CounterDecision{Accepted: true, Price: counter}, nil
	}

	// Discount in basis points, so 4.50 against 4.80 is 625.
	discountBps := (lastOffer.Minor - counter.Minor) * 10000 / lastOffer.Minor
	switch {
	case discountBps <= 500:
		return CounterDecision{Accepted: true, Price: counter}, nil
	case discountBps <= 1000:
		mid := money.Amount{Currency: lastOffer.Currency, Minor: (lastOffer.Minor + counter.Minor) / 2}
		return CounterDecision{Price: mid}, nil
	case discountBps <= 1500:
		off := money.Amount{Currency: lastOffer.Currency, Minor: lastOffer.Minor * 95 / 100}
		return CounterDecision{Price: off}, nil
	default:
		off := money.Amount{Currency: lastOffer.Currency, Minor: lastOffer.Minor * 97 / 100}
		return CounterDecision{Price: off}, nil
	}
}

// AuthorizeMandate counter-signs the mandate's signed payload with the
// supplier's key.
func (d *SimDesk) AuthorizeMandate(ctx context.Context, supplierID, signedPayload string) (signature.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return signature.Envelope{}, err
	}
	d.mu.RLock()
	s, ok := d.suppliers[supplierID]
	d.mu.RUnlock()
	if !ok {
		return signature.Envelope{}, fmt.Errorf("unknown supplier %s", supplierID)
	}
	if s.Fail {
		return signature.Envelope{}, domain.Transient(fmt.Errorf("supplier %s unavailable", supplierID))
	}
	return signature.Sign(signedPayload, s.key, d.now(), "mandate-authorization", supplierID)
}

// OnTimeRates returns configured on-time delivery rates per supplier.
func (d *SimDesk) OnTimeRates() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rates := make(map[string]float64, len(d.suppliers))
	for id, s := range d.suppliers {
		rates[id] = s.OnTimeRate
	}
	return rates
}

// Name returns the supplier's display name, or the ID when unknown.
func (d *SimDesk) Name(supplierID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.suppliers[supplierID]; ok && s.Name != "" {
		return s.Name
	}
	return supplierID
}
