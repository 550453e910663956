package checkpoint

import (
	"context"
	"time"
)

// Kind names the decision a checkpoint asks of the reviewer.
type Kind string

const (
	KindOrderApproval       Kind = "order_approval"
	KindNegotiationApproval Kind = "negotiation_approval"
)

// Resolution is deliberately a distinct type from negotiation round
// statuses: a rejected checkpoint terminates its workflow run, while a
// rejected round leaves the session open.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

// MandatePreview is the payment summary shown to the reviewer before the
// mandate is sent anywhere.
type MandatePreview struct {
	MandateID string    `json:"mandate_id"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OrderApprovalContext summarizes a recommended purchase order.
type OrderApprovalContext struct {
	SupplierID        string          `json:"supplier_id"`
	SupplierName      string          `json:"supplier_name,omitempty"`
	Items             []ContextItem   `json:"items"`
	TotalValue        string          `json:"total_value"`
	Currency          string          `json:"currency"`
	ApprovalThreshold string          `json:"approval_threshold,omitempty"`
	Mandate           *MandatePreview `json:"mandate,omitempty"`
}

// NegotiationApprovalContext summarizes a negotiated outcome awaiting
// sign-off.
type NegotiationApprovalContext struct {
	SessionID       string          `json:"session_id"`
	SupplierID      string          `json:"supplier_id"`
	SupplierName    string          `json:"supplier_name,omitempty"`
	InitialPrice    string          `json:"initial_price"`
	FinalPrice      string          `json:"final_price"`
	TotalValue      string          `json:"total_value"`
	Currency        string          `json:"currency"`
	SavingsPercent  float64         `json:"savings_percent"`
	RoundsCompleted int             `json:"rounds_completed"`
	Mandate         *MandatePreview `json:"mandate,omitempty"`
}

// ContextItem is one line of an order shown to the reviewer.
type ContextItem struct {
	SKU         string `json:"sku"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
}

// Context carries exactly one populated variant matching the checkpoint's
// kind. Extra holds display-only fields that do not affect resolution.
type Context struct {
	Order       *OrderApprovalContext       `json:"order_approval,omitempty"`
	Negotiation *NegotiationApprovalContext `json:"negotiation_approval,omitempty"`
	Extra       map[string]any              `json:"extra,omitempty"`
}

// Checkpoint parks a workflow run until a reviewer resolves it. Exactly
// one pending checkpoint may exist per run.
type Checkpoint struct {
	ID         string     `json:"checkpoint_id"`
	RunID      string     `json:"run_id"`
	Kind       Kind       `json:"kind"`
	Resolution Resolution `json:"resolution"`
	Context    Context    `json:"context"`
	Reviewer   string     `json:"reviewer,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Terminal reports whether the resolution admits no further transitions.
func (r Resolution) Terminal() bool {
	return r == ResolutionApproved || r == ResolutionRejected
}

// Store persists checkpoints. ResolveCheckpoint must be a compare-and-set
// from pending so concurrent reviewers cannot both win.
type Store interface {
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ResolveCheckpoint transitions pending to the given terminal
	// resolution, recording the reviewer and note. It returns false when
	// the checkpoint was no longer pending.
	ResolveCheckpoint(ctx context.Context, id string, resolution Resolution, reviewer, note string, at time.Time) (bool, error)
	// OpenCheckpointForRun returns the run's pending checkpoint, or a
	// NotFoundError when none is open.
	OpenCheckpointForRun(ctx context.Context, runID string) (*Checkpoint, error)
	ListPendingCheckpoints(ctx context.Context) ([]*Checkpoint, error)
}
