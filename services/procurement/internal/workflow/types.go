package workflow

import (
	"context"
	"time"
)

// Stage names one step of the procurement pipeline, in execution order.
type Stage string

const (
	StageForecast   Stage = "forecast"
	StagePricing    Stage = "pricing"
	StageApproval   Stage = "approval"
	StageSettlement Stage = "settlement"
)

type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the run can never advance again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunItem is one SKU the run analyzes. Quantity is the order size when a
// replenishment is recommended; stock figures drive the recommendation.
type RunItem struct {
	SKU          string `json:"sku"`
	Description  string `json:"description,omitempty"`
	Quantity     int    `json:"quantity"`
	CurrentStock int    `json:"current_stock"`
	ReorderPoint int    `json:"reorder_point"`
	UnitCost     string `json:"unit_cost,omitempty"`
}

// Input starts a procurement run.
type Input struct {
	Items        []RunItem `json:"items"`
	Currency     string    `json:"currency"`
	TargetPrice  string    `json:"target_price,omitempty"`
	MaxRounds    int       `json:"max_rounds,omitempty"`
	Negotiate    bool      `json:"negotiate"`
	ForecastDays int       `json:"forecast_days,omitempty"`
}

// StageResult records the outcome of one completed stage, checkpointed so
// a resumed run never re-executes finished work.
type StageResult struct {
	Stage       Stage          `json:"stage"`
	Detail      map[string]any `json:"detail,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Run is one procurement workflow execution with its accumulated results.
type Run struct {
	ID                string        `json:"run_id"`
	Status            Status        `json:"status"`
	Stage             Stage         `json:"stage"`
	Input             Input         `json:"input"`
	StageResults      []StageResult `json:"stage_results,omitempty"`
	ItemsAnalyzed     int           `json:"items_analyzed"`
	OrdersRecommended int           `json:"orders_recommended"`
	OrdersCreated     int           `json:"orders_created"`
	InitialPrice      string        `json:"initial_price,omitempty"`
	FinalPrice        string        `json:"final_price,omitempty"`
	TotalValue        string        `json:"total_value,omitempty"`
	SavingsPercent    float64       `json:"savings_percent,omitempty"`
	SupplierID        string        `json:"supplier_id,omitempty"`
	SessionID         string        `json:"session_id,omitempty"`
	MandateID         string        `json:"mandate_id,omitempty"`
	PONumber          string        `json:"po_number,omitempty"`
	OpenCheckpointID  string        `json:"open_checkpoint_id,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// AuditEntry is one line of a run's audit trail.
type AuditEntry struct {
	ID     string         `json:"audit_id"`
	RunID  string         `json:"run_id"`
	Action string         `json:"action"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// Store persists runs and their audit trail.
type Store interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	// ListRuns returns runs newest first, up to limit; limit <= 0 means
	// no limit.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, runID string) ([]*AuditEntry, error)
}
