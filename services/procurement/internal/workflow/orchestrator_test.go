package workflow_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/money"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/checkpoint"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/eventbus"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/forecast"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/mandate"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/negotiation"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/settlement"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/store"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/suppliers"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/workflow"
)

type harness struct {
	orch    *workflow.Orchestrator
	store   *store.Memory
	backend *settlement.SimBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	desk, err := suppliers.NewSimDesk([]suppliers.SimSupplier{
		{ID: "sup-acme", Name: "Acme Industrial", PriceBySKU: map[string]string{"widget-a": "4.80"}, OnTimeRate: 0.97},
		{ID: "sup-borealis", Name: "Borealis Supply Co", PriceBySKU: map[string]string{"widget-a": "5.10"}, OnTimeRate: 0.95},
	})
	require.NoError(t, err)
	return newHarnessWithDesk(t, desk)
}

func newHarnessWithDesk(t *testing.T, desk suppliers.Desk) *harness {
	t.Helper()
	mem := store.NewMemory()
	backend := settlement.NewSimBackend()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := mandate.NewSigner(mem, backend, priv, "key-1")
	require.NoError(t, err)

	orch := workflow.NewOrchestrator(workflow.Config{
		Store:       mem,
		Checkpoints: mem,
		Sessions:    negotiation.New(mem),
		Mandates:    signer,
		Desk:        desk,
		Forecaster: &forecast.Static{
			DailyRateBySKU: map[string]float64{"widget-a": 10},
		},
		Bus:               eventbus.New(),
		ApprovalThreshold: "10000.00",
	})
	return &harness{orch: orch, store: mem, backend: backend}
}

func negotiatedInput() workflow.Input {
	return workflow.Input{
		Items: []workflow.RunItem{{
			SKU:          "widget-a",
			Description:  "Widget A",
			Quantity:     500,
			CurrentStock: 100,
			ReorderPoint: 200,
		}},
		Currency:     "USD",
		TargetPrice:  "4.50",
		MaxRounds:    3,
		Negotiate:    true,
		ForecastDays: 30,
	}
}

func (h *harness) waitForStatus(t *testing.T, runID string, want workflow.Status) *workflow.Run {
	t.Helper()
	var run *workflow.Run
	require.Eventually(t, func() bool {
		r, err := h.orch.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 3*time.Second, 10*time.Millisecond, "run never reached %s (last: %+v)", want, run)
	return run
}

func TestRunNegotiatesAndSettlesOnApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, negotiatedInput())
	require.NoError(t, err)
	require.Equal(t, workflow.StatusRunning, started.Status)

	parked := h.waitForStatus(t, started.ID, workflow.StatusAwaitingApproval)
	require.Equal(t, 1, parked.ItemsAnalyzed)
	require.Equal(t, 1, parked.OrdersRecommended)
	require.Equal(t, "sup-acme", parked.SupplierID)
	require.Equal(t, "4.80", parked.InitialPrice)
	require.Equal(t, "4.65", parked.FinalPrice)
	require.Equal(t, "2325.00", parked.TotalValue)
	require.InDelta(t, 3.125, parked.SavingsPercent, 0.001)
	require.True(t, strings.HasPrefix(parked.PONumber, "PO-"))
	require.NotEmpty(t, parked.MandateID)
	require.NotEmpty(t, parked.SessionID)
	require.NotEmpty(t, parked.OpenCheckpointID)

	session, err := h.store.GetSession(ctx, parked.SessionID)
	require.NoError(t, err)
	require.Equal(t, negotiation.SessionCompleted, session.Status)
	require.Equal(t, 2, session.CurrentRound)

	pending, err := h.orch.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, checkpoint.KindNegotiationApproval, pending[0].Kind)
	require.NotNil(t, pending[0].Context.Negotiation)
	require.Equal(t, "4.65", pending[0].Context.Negotiation.FinalPrice)
	require.NotNil(t, pending[0].Context.Negotiation.Mandate)
	require.Equal(t, string(mandate.StatusCreated), pending[0].Context.Negotiation.Mandate.Status)

	sub := h.orch.Subscribe(parked.ID)
	defer sub.Cancel()

	resolved, err := h.orch.ResolveCheckpoint(ctx, parked.OpenCheckpointID, checkpoint.ResolutionApproved, "alex", "looks good")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, resolved.Status)
	require.Equal(t, 1, resolved.OrdersCreated)
	require.Empty(t, resolved.OpenCheckpointID)

	executed, err := h.store.GetMandate(ctx, parked.MandateID)
	require.NoError(t, err)
	require.Equal(t, mandate.StatusExecuted, executed.Status)
	require.NotEmpty(t, executed.SettlementRef)
	require.NotNil(t, executed.MerchantAuthorization)

	var complete *eventbus.Event
	seen := map[eventbus.Kind]bool{}
	deadline := time.After(2 * time.Second)
	for complete == nil {
		select {
		case ev, ok := <-sub.Events:
			require.True(t, ok, "stream closed before complete event")
			seen[ev.Kind] = true
			if ev.Kind == eventbus.KindComplete {
				complete = &ev
			}
		case <-deadline:
			t.Fatal("no complete event")
		}
	}
	require.True(t, seen[eventbus.KindStageStarted], "settlement stage start must be published")
	require.True(t, seen[eventbus.KindStageCompleted], "settlement stage completion must be published")
	require.Equal(t, "completed", complete.Result["outcome"])
	require.Equal(t, "4.65", complete.Result["final_price"])
	require.Equal(t, "2325.00", complete.Result["total_value"])

	// The approval decision is consumed exactly once.
	_, err = h.orch.ResolveCheckpoint(ctx, parked.OpenCheckpointID, checkpoint.ResolutionApproved, "alex", "")
	require.True(t, domain.IsInvalidState(err), "expected InvalidStateError, got %v", err)
}

// unresponsiveDesk answers quotes normally but never replies to counters.
type unresponsiveDesk struct {
	suppliers.Desk
}

func (d unresponsiveDesk) RespondToCounter(ctx context.Context, supplierID string, lastOffer, counter money.Amount) (suppliers.CounterDecision, error) {
	return suppliers.CounterDecision{}, domain.Transient(errors.New("supplier gateway timeout"))
}

func TestUnresponsiveSupplierKeepsStandingOffer(t *testing.T) {
	desk, err := suppliers.NewSimDesk([]suppliers.SimSupplier{
		{ID: "sup-acme", Name: "Acme Industrial", PriceBySKU: map[string]string{"widget-a": "4.80"}, OnTimeRate: 0.97},
	})
	require.NoError(t, err)
	h := newHarnessWithDesk(t, unresponsiveDesk{Desk: desk})
	ctx := context.Background()

	started, err := h.orch.Start(ctx, negotiatedInput())
	require.NoError(t, err)

	parked := h.waitForStatus(t, started.ID, workflow.StatusAwaitingApproval)
	require.Equal(t, "4.80", parked.InitialPrice)
	require.Equal(t, "4.80", parked.FinalPrice, "run must keep the last standing offer")
	require.Equal(t, "2400.00", parked.TotalValue)
	require.Zero(t, parked.SavingsPercent)

	session, err := h.store.GetSession(ctx, parked.SessionID)
	require.NoError(t, err)
	require.Equal(t, negotiation.SessionCompleted, session.Status)

	rounds, err := h.store.ListRounds(ctx, parked.SessionID)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	require.Equal(t, negotiation.RoundRejected, rounds[0].Status, "timed out counter must land as a rejected round")
	require.Equal(t, negotiation.OfferFinal, rounds[1].OfferType)
	require.Equal(t, negotiation.RoundAccepted, rounds[1].Status)
}

func TestUnresponsiveSupplierWithExhaustedRounds(t *testing.T) {
	desk, err := suppliers.NewSimDesk([]suppliers.SimSupplier{
		{ID: "sup-acme", Name: "Acme Industrial", PriceBySKU: map[string]string{"widget-a": "4.80"}, OnTimeRate: 0.97},
	})
	require.NoError(t, err)
	h := newHarnessWithDesk(t, unresponsiveDesk{Desk: desk})
	ctx := context.Background()

	in := negotiatedInput()
	in.MaxRounds = 1
	started, err := h.orch.Start(ctx, in)
	require.NoError(t, err)

	parked := h.waitForStatus(t, started.ID, workflow.StatusAwaitingApproval)
	require.Equal(t, "4.80", parked.FinalPrice)
	require.Equal(t, "2400.00", parked.TotalValue)

	// With no room left for a restated offer the session closes without a
	// winner, and the run still parks for approval at the standing price.
	session, err := h.store.GetSession(ctx, parked.SessionID)
	require.NoError(t, err)
	require.Equal(t, negotiation.SessionCancelled, session.Status)
}

func TestRejectionFailsRunWithoutSettling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, negotiatedInput())
	require.NoError(t, err)
	parked := h.waitForStatus(t, started.ID, workflow.StatusAwaitingApproval)

	rejected, err := h.orch.ResolveCheckpoint(ctx, parked.OpenCheckpointID, checkpoint.ResolutionRejected, "alex", "too expensive")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, rejected.Status)
	require.Contains(t, rejected.FailureReason, "rejected")
	require.Zero(t, rejected.OrdersCreated)

	m, err := h.store.GetMandate(ctx, parked.MandateID)
	require.NoError(t, err)
	require.Equal(t, mandate.StatusFailed, m.Status)
	require.Zero(t, h.backend.Attempts(parked.MandateID), "rejected run must never touch the settlement backend")
}

func TestSufficientStockCompletesWithoutOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := negotiatedInput()
	in.Items[0].CurrentStock = 5000
	started, err := h.orch.Start(ctx, in)
	require.NoError(t, err)

	run := h.waitForStatus(t, started.ID, workflow.StatusCompleted)
	require.Equal(t, 1, run.ItemsAnalyzed)
	require.Zero(t, run.OrdersRecommended)
	require.Empty(t, run.MandateID)
	require.Empty(t, run.SessionID)
}

func TestNonNegotiatedRunUsesBestQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := negotiatedInput()
	in.Negotiate = false
	in.TargetPrice = ""
	started, err := h.orch.Start(ctx, in)
	require.NoError(t, err)

	parked := h.waitForStatus(t, started.ID, workflow.StatusAwaitingApproval)
	require.Equal(t, "4.80", parked.FinalPrice)
	require.Equal(t, "2400.00", parked.TotalValue)
	require.Empty(t, parked.SessionID)

	pending, err := h.orch.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, checkpoint.KindOrderApproval, pending[0].Kind)
	require.NotNil(t, pending[0].Context.Order)
	require.Equal(t, "10000.00", pending[0].Context.Order.ApprovalThreshold)
}

func TestThresholdNeverAutoApproves(t *testing.T) {
	// The configured threshold is well above this run's total; the run
	// must still park for a human decision.
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, negotiatedInput())
	require.NoError(t, err)
	parked := h.waitForStatus(t, started.ID, workflow.StatusAwaitingApproval)
	require.Equal(t, workflow.StatusAwaitingApproval, parked.Status)

	m, err := h.store.GetMandate(ctx, parked.MandateID)
	require.NoError(t, err)
	require.Equal(t, mandate.StatusCreated, m.Status, "mandate must stay unsent while parked")
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, negotiatedInput())
	require.NoError(t, err)
	parked := h.waitForStatus(t, started.ID, workflow.StatusAwaitingApproval)

	cancelled, err := h.orch.Cancel(ctx, parked.ID, "budget freeze")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCancelled, cancelled.Status)

	cp, err := h.store.GetCheckpoint(ctx, parked.OpenCheckpointID)
	require.NoError(t, err)
	require.Equal(t, checkpoint.ResolutionRejected, cp.Resolution)
	require.Equal(t, "system", cp.Reviewer)

	m, err := h.store.GetMandate(ctx, parked.MandateID)
	require.NoError(t, err)
	require.Equal(t, mandate.StatusFailed, m.Status)

	// The rejected checkpoint cannot be resolved again.
	_, err = h.orch.ResolveCheckpoint(ctx, parked.OpenCheckpointID, checkpoint.ResolutionApproved, "alex", "")
	require.True(t, domain.IsInvalidState(err))

	// Nor can the run be cancelled twice.
	_, err = h.orch.Cancel(ctx, parked.ID, "again")
	require.True(t, domain.IsInvalidState(err))
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, workflow.Input{Currency: "USD"})
	require.True(t, domain.IsValidation(err))

	in := negotiatedInput()
	in.Currency = "XXX"
	_, err = h.orch.Start(ctx, in)
	require.True(t, domain.IsValidation(err))

	in = negotiatedInput()
	in.TargetPrice = "abc"
	_, err = h.orch.Start(ctx, in)
	require.True(t, domain.IsValidation(err))

	in = negotiatedInput()
	in.Items[0].Quantity = 0
	_, err = h.orch.Start(ctx, in)
	require.True(t, domain.IsValidation(err))
}

func TestAuditTrailCoversLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started, err := h.orch.Start(ctx, negotiatedInput())
	require.NoError(t, err)
	parked := h.waitForStatus(t, started.ID, workflow.StatusAwaitingApproval)
	_, err = h.orch.ResolveCheckpoint(ctx, parked.OpenCheckpointID, checkpoint.ResolutionApproved, "alex", "")
	require.NoError(t, err)

	entries, err := h.orch.Audit(ctx, parked.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	require.Contains(t, actions, "run_started")
	require.Contains(t, actions, "checkpoint_opened")
	require.Contains(t, actions, "checkpoint_resolved")
	require.Contains(t, actions, "mandate_executed")
	require.Contains(t, actions, "run_completed")

	_, err = h.orch.Audit(ctx, "run-missing")
	require.True(t, domain.IsNotFound(err))
}

func TestRunHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Start(ctx, negotiatedInput())
	require.NoError(t, err)
	h.waitForStatus(t, first.ID, workflow.StatusAwaitingApproval)
	second, err := h.orch.Start(ctx, negotiatedInput())
	require.NoError(t, err)
	h.waitForStatus(t, second.ID, workflow.StatusAwaitingApproval)

	runs, err := h.orch.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second.ID, runs[0].ID)

	limited, err := h.orch.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
