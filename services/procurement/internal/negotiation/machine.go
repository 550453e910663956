package negotiation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/money"
)

// Store is the persistence the state machine needs. Implementations must
// provide read-after-write consistency within a session.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	CreateRound(ctx context.Context, r *Round) error
	UpdateRound(ctx context.Context, r *Round) error
	ListRounds(ctx context.Context, sessionID string) ([]*Round, error)
}

// Machine drives negotiation sessions. Round submission is serialized per
// session so round numbers stay strictly increasing.
type Machine struct {
	store Store
	locks sync.Map // session ID -> *sync.Mutex
	now   func() time.Time
	newID func(prefix string) string
}

type Option func(*Machine)

// WithClock pins the machine's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func New(store Store, opts ...Option) *Machine {
	m := &Machine{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func(prefix string) string { return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) lock(sessionID string) func() {
	mu, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// OpenSession starts a negotiation for a fixed item list.
func (m *Machine) OpenSession(ctx context.Context, items []LineItem, currency, targetPrice string, maxRounds int) (*Session, error) {
	if len(items) == 0 {
		return nil, domain.Validationf("items", "at least one line item is required")
	}
	for _, it := range items {
		if strings.TrimSpace(it.SKU) == "" {
			return nil, domain.Validationf("items", "line item sku is required")
		}
		if it.Quantity < 1 {
			return nil, domain.Validationf("items", "line item quantity must be >= 1")
		}
	}
	if !money.Supported(currency) {
		return nil, domain.Validationf("currency", "unsupported currency %q", currency)
	}
	if targetPrice != "" {
		if _, err := money.Parse(currency, targetPrice); err != nil {
			return nil, domain.Validationf("target_price", "%v", err)
		}
	}
	if maxRounds < 1 {
		return nil, domain.Validationf("max_rounds", "must be >= 1")
	}
	s := &Session{
		ID:          m.newID("neg-"),
		Status:      SessionOpen,
		Items:       items,
		Currency:    strings.ToUpper(strings.TrimSpace(currency)),
		TargetPrice: targetPrice,
		MaxRounds:   maxRounds,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// SubmitOffer records a supplier's offer as the session's next round.
// Round numbers are session-wide: offers from different suppliers consume
// distinct, increasing numbers.
func (m *Machine) SubmitOffer(ctx context.Context, sessionID, supplierID string, offerType OfferType, unitPrice, justification string) (*Round, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != SessionOpen {
		return nil, &domain.InvalidStateError{Entity: "session", ID: sessionID, Status: string(s.Status), Op: "submit offer"}
	}
	if strings.TrimSpace(supplierID) == "" {
		return nil, domain.Validationf("supplier_id", "is required")
	}
	switch offerType {
	case OfferInitial, OfferCounter, OfferFinal:
	default:
		return nil, domain.Validationf("offer_type", "unknown offer type %q", offerType)
	}
	price, err := money.Parse(s.Currency, unitPrice)
	if err != nil {
		return nil, domain.Validationf("unit_price", "%v", err)
	}
	if price.IsZero() {
		return nil, domain.Validationf("unit_price", "must be positive")
	}
	if s.CurrentRound >= s.MaxRounds {
		return nil, &domain.RoundLimitError{SessionID: sessionID, MaxRounds: s.MaxRounds}
	}
	total, err := price.MulQty(TotalQuantity(s.Items))
	if err != nil {
		return nil, domain.Validationf("unit_price", "%v", err)
	}
	now := m.now()
	r := &Round{
		ID:            m.newID("rnd-"),
		SessionID:     sessionID,
		SupplierID:    supplierID,
		Number:        s.CurrentRound + 1,
		OfferType:     offerType,
		OfferedPrice:  price.String(),
		TotalValue:    total.String(),
		Justification: justification,
		Status:        RoundPending,
		CreatedAt:     now,
		RespondedAt:   &now,
	}
	if err := m.store.CreateRound(ctx, r); err != nil {
		return nil, err
	}
	s.CurrentRound = r.Number
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	return r, nil
}

// Counter records the buyer's counter price on the supplier's latest
// pending round, moving the round to countered. The supplier's reply, if
// any, arrives as a fresh SubmitOffer.
func (m *Machine) Counter(ctx context.Context, sessionID, supplierID, counterPrice, justification string) (*Round, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != SessionOpen {
		return nil, &domain.InvalidStateError{Entity: "session", ID: sessionID, Status: string(s.Status), Op: "counter"}
	}
	price, err := money.Parse(s.Currency, counterPrice)
	if err != nil {
		return nil, domain.Validationf("counter_price", "%v", err)
	}
	r, err := m.latestRound(ctx, sessionID, supplierID)
	if err != nil {
		return nil, err
	}
	if r.Status != RoundPending {
		return nil, &domain.InvalidStateError{Entity: "round", ID: r.ID, Status: string(r.Status), Op: "counter"}
	}
	r.CounterPrice = price.String()
	if justification != "" {
		r.Justification = justification
	}
	r.Status = RoundCountered
	if err := m.store.UpdateRound(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// RejectRound marks the supplier's latest live round rejected. A timed
// out supplier contact lands here, whether the round was still pending or
// already carried a counter awaiting a reply; the session stays open.
func (m *Machine) RejectRound(ctx context.Context, sessionID, supplierID, reason string) (*Round, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != SessionOpen {
		return nil, &domain.InvalidStateError{Entity: "session", ID: sessionID, Status: string(s.Status), Op: "reject round"}
	}
	r, err := m.latestRound(ctx, sessionID, supplierID)
	if err != nil {
		return nil, err
	}
	if r.Status != RoundPending && r.Status != RoundCountered {
		return nil, &domain.InvalidStateError{Entity: "round", ID: r.ID, Status: string(r.Status), Op: "reject"}
	}
	if reason != "" {
		r.Justification = reason
	}
	r.Status = RoundRejected
	if err := m.store.UpdateRound(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Accept closes the session on the supplier's latest round. A round that
// was countered settles at the buyer's counter price; otherwise at the
// offered price.
func (m *Machine) Accept(ctx context.Context, sessionID, supplierID string) (*Acceptance, error) {
	unlock := m.lock(sessionID)
	defer unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != SessionOpen {
		return nil, &domain.InvalidStateError{Entity: "session", ID: sessionID, Status: string(s.Status), Op: "accept"}
	}
	r, err := m.latestRound(ctx, sessionID, supplierID)
	if err != nil {
		return nil, err
	}
	if r.Status != RoundPending && r.Status != RoundCountered {
		return nil, &domain.InvalidStateError{Entity: "round", ID: r.ID, Status: string(r.Status), Op: "accept"}
	}
	finalPrice := r.OfferedPrice
	if r.Status == RoundCountered && r.CounterPrice != "" {
		finalPrice = r.CounterPrice
	}
	price, err := money.Parse(s.Currency, finalPrice)
	if err != nil {
		return nil, err
	}
	total, err := price.MulQty(TotalQuantity(s.Items))
	if err != nil {
		return nil, err
	}

	r.Status = RoundAccepted
	if err := m.store.UpdateRound(ctx, r); err != nil {
		return nil, err
	}
	now := m.now()
	s.Status = SessionCompleted
	s.WinningSupplierID = supplierID
	s.FinalPrice = price.String()
	s.TotalValue = total.String()
	s.CompletedAt = &now
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	return &Acceptance{
		SessionID:       sessionID,
		SupplierID:      supplierID,
		FinalPrice:      s.FinalPrice,
		TotalValue:      s.TotalValue,
		Currency:        s.Currency,
		RoundsCompleted: s.CurrentRound,
	}, nil
}

// Cancel closes the session without a winner. A session with zero rounds
// moves straight to cancelled with no final price; pending rounds are
// rejected.
func (m *Machine) Cancel(ctx context.Context, sessionID, reason string) error {
	unlock := m.lock(sessionID)
	defer unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != SessionOpen {
		return &domain.InvalidStateError{Entity: "session", ID: sessionID, Status: string(s.Status), Op: "cancel"}
	}
	rounds, err := m.store.ListRounds(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, r := range rounds {
		if r.Status != RoundPending {
			continue
		}
		r.Status = RoundRejected
		if reason != "" {
			r.Justification = reason
		}
		if err := m.store.UpdateRound(ctx, r); err != nil {
			return err
		}
	}
	now := m.now()
	s.Status = SessionCancelled
	s.CompletedAt = &now
	return m.store.UpdateSession(ctx, s)
}

// Snapshot returns the session and its full round history ordered by
// round number.
func (m *Machine) Snapshot(ctx context.Context, sessionID string) (*Session, []*Round, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	rounds, err := m.store.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Number < rounds[j].Number })
	return s, rounds, nil
}

// CompareOffers ranks each supplier's latest live offer: lowest total
// value first, exact ties broken by better on-time delivery rate, then by
// earliest offer timestamp.
func (m *Machine) CompareOffers(ctx context.Context, sessionID string, onTimeRates map[string]float64) ([]RankedOffer, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rounds, err := m.store.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	latest := map[string]*Round{}
	for _, r := range rounds {
		if r.Status == RoundRejected {
			continue
		}
		if prev, ok := latest[r.SupplierID]; !ok || r.Number > prev.Number {
			latest[r.SupplierID] = r
		}
	}
	offers := make([]RankedOffer, 0, len(latest))
	totals := map[string]int64{}
	for supplierID, r := range latest {
		total, err := money.Parse(s.Currency, r.TotalValue)
		if err != nil {
			return nil, err
		}
		totals[supplierID] = total.Minor
		offers = append(offers, RankedOffer{
			SupplierID:   supplierID,
			OfferedPrice: r.OfferedPrice,
			TotalValue:   r.TotalValue,
			RoundNumber:  r.Number,
			OnTimeRate:   onTimeRates[supplierID],
			OfferedAt:    r.CreatedAt,
		})
	}
	sort.Slice(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if totals[a.SupplierID] != totals[b.SupplierID] {
			return totals[a.SupplierID] < totals[b.SupplierID]
		}
		if a.OnTimeRate != b.OnTimeRate {
			return a.OnTimeRate > b.OnTimeRate
		}
		return a.OfferedAt.Before(b.OfferedAt)
	})
	return offers, nil
}

func (m *Machine) latestRound(ctx context.Context, sessionID, supplierID string) (*Round, error) {
	rounds, err := m.store.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var latest *Round
	for _, r := range rounds {
		if r.SupplierID != supplierID {
			continue
		}
		if latest == nil || r.Number > latest.Number {
			latest = r
		}
	}
	if latest == nil {
		return nil, &domain.UnknownSupplierError{SessionID: sessionID, SupplierID: supplierID}
	}
	return latest, nil
}
