package negotiation

import "time"

type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// RoundStatus is deliberately a distinct type from checkpoint resolutions:
// a rejected round still permits further rounds in the session, while a
// rejected checkpoint terminates its workflow run.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundAccepted  RoundStatus = "accepted"
	RoundRejected  RoundStatus = "rejected"
	RoundCountered RoundStatus = "countered"
)

type OfferType string

const (
	OfferInitial OfferType = "initial"
	OfferCounter OfferType = "counter"
	OfferFinal   OfferType = "final"
)

// LineItem is one SKU position in the negotiated order.
type LineItem struct {
	SKU         string `json:"sku"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
}

// Session is one sourcing negotiation over a fixed item list.
type Session struct {
	ID                string        `json:"session_id"`
	Status            SessionStatus `json:"status"`
	Items             []LineItem    `json:"items"`
	Currency          string        `json:"currency"`
	TargetPrice       string        `json:"target_price,omitempty"`
	MaxRounds         int           `json:"max_rounds"`
	CurrentRound      int           `json:"current_round"`
	WinningSupplierID string        `json:"winning_supplier_id,omitempty"`
	FinalPrice        string        `json:"final_price,omitempty"`
	TotalValue        string        `json:"total_value,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// Round is one offer/response cycle. Immutable once its status leaves
// pending.
type Round struct {
	ID            string      `json:"round_id"`
	SessionID     string      `json:"session_id"`
	SupplierID    string      `json:"supplier_id"`
	Number        int         `json:"round_number"`
	OfferType     OfferType   `json:"offer_type"`
	OfferedPrice  string      `json:"offered_price"`
	TotalValue    string      `json:"total_value"`
	CounterPrice  string      `json:"counter_price,omitempty"`
	Justification string      `json:"justification,omitempty"`
	Status        RoundStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	RespondedAt   *time.Time  `json:"responded_at,omitempty"`
}

// Acceptance reports a completed session.
type Acceptance struct {
	SessionID       string `json:"session_id"`
	SupplierID      string `json:"winning_supplier_id"`
	FinalPrice      string `json:"final_price"`
	TotalValue      string `json:"total_value"`
	Currency        string `json:"currency"`
	RoundsCompleted int    `json:"rounds_completed"`
}

// RankedOffer is one entry in a comparison ranking of live offers.
type RankedOffer struct {
	SupplierID   string    `json:"supplier_id"`
	OfferedPrice string    `json:"offered_price"`
	TotalValue   string    `json:"total_value"`
	RoundNumber  int       `json:"round_number"`
	OnTimeRate   float64   `json:"on_time_rate,omitempty"`
	OfferedAt    time.Time `json:"offered_at"`
}

// TotalQuantity sums item quantities; session totals are unit price times
// this figure.
func TotalQuantity(items []LineItem) int {
	total := 0
	for _, it := range items {
		total += it.Quantity
	}
	return total
}
