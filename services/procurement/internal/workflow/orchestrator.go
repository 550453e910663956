package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/money"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/retry"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/checkpoint"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/eventbus"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/forecast"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/mandate"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/negotiation"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/suppliers"
)

const (
	defaultMaxRounds    = 3
	defaultForecastDays = 30
	defaultMandateTTL   = 24 * time.Hour

	// A revised supplier offer within this margin above the buyer's
	// target is accepted rather than countered again.
	acceptMarginBps = 500
)

// Config wires an Orchestrator.
type Config struct {
	Store       Store
	Checkpoints checkpoint.Store
	Sessions    *negotiation.Machine
	Mandates    *mandate.Signer
	Desk        suppliers.Desk
	Forecaster  forecast.Forecaster
	Bus         *eventbus.Bus
	Logger      *slog.Logger
	// ApprovalThreshold is shown to reviewers alongside order totals. It
	// never auto-approves: every run parks at its checkpoint.
	ApprovalThreshold string
	MandateTTL        time.Duration
}

// Orchestrator drives procurement runs through forecast, pricing,
// approval, and settlement, parking at human checkpoints and resuming
// from durable state.
type Orchestrator struct {
	store       Store
	checkpoints checkpoint.Store
	sessions    *negotiation.Machine
	mandates    *mandate.Signer
	desk        suppliers.Desk
	forecaster  forecast.Forecaster
	bus         *eventbus.Bus
	log         *slog.Logger
	threshold   string
	mandateTTL  time.Duration
	now         func() time.Time

	locks   sync.Map // run ID -> *sync.Mutex
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewOrchestrator(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := cfg.MandateTTL
	if ttl <= 0 {
		ttl = defaultMandateTTL
	}
	return &Orchestrator{
		store:       cfg.Store,
		checkpoints: cfg.Checkpoints,
		sessions:    cfg.Sessions,
		mandates:    cfg.Mandates,
		desk:        cfg.Desk,
		forecaster:  cfg.Forecaster,
		bus:         cfg.Bus,
		log:         log,
		threshold:   cfg.ApprovalThreshold,
		mandateTTL:  ttl,
		now:         func() time.Time { return time.Now().UTC() },
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start validates the input, persists a new run, and drives it in the
// background until it parks or finishes. The run record is returned
// immediately; progress arrives on the event bus.
func (o *Orchestrator) Start(ctx context.Context, in Input) (*Run, error) {
	if len(in.Items) == 0 {
		return nil, domain.Validationf("items", "at least one item is required")
	}
	for _, it := range in.Items {
		if strings.TrimSpace(it.SKU) == "" {
			return nil, domain.Validationf("items", "item sku is required")
		}
		if it.Quantity < 1 {
			return nil, domain.Validationf("items", "item quantity must be >= 1")
		}
		if it.CurrentStock < 0 || it.ReorderPoint < 0 {
			return nil, domain.Validationf("items", "stock figures must be non-negative")
		}
	}
	if !money.Supported(in.Currency) {
		return nil, domain.Validationf("currency", "unsupported currency %q", in.Currency)
	}
	if in.TargetPrice != "" {
		if _, err := money.Parse(in.Currency, in.TargetPrice); err != nil {
			return nil, domain.Validationf("target_price", "%v", err)
		}
	}
	if in.MaxRounds == 0 {
		in.MaxRounds = defaultMaxRounds
	}
	if in.MaxRounds < 1 {
		return nil, domain.Validationf("max_rounds", "must be >= 1")
	}
	if in.ForecastDays == 0 {
		in.ForecastDays = defaultForecastDays
	}
	if in.ForecastDays < 1 {
		return nil, domain.Validationf("forecast_days", "must be >= 1")
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))

	now := o.now()
	r := &Run{
		ID:        "run-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Status:    StatusRunning,
		Stage:     StageForecast,
		Input:     in,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	o.audit(ctx, r.ID, "run_started", map[string]any{"items": len(in.Items), "negotiate": in.Negotiate})
	o.log.Info("run started", "run_id", r.ID, "items", len(in.Items), "negotiate", in.Negotiate)

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[r.ID] = cancel
	o.mu.Unlock()
	go o.drive(runCtx, r.ID)
	return r, nil
}

func (o *Orchestrator) drive(ctx context.Context, runID string) {
	defer func() {
		o.mu.Lock()
		delete(o.cancels, runID)
		o.mu.Unlock()
	}()
	for {
		r, err := o.Advance(ctx, runID)
		if err != nil {
			if errors.Is(err, context.Canceled) || domain.IsInvalidState(err) {
				return
			}
			o.failWithLock(context.Background(), runID, err.Error())
			return
		}
		if r.Status != StatusRunning {
			return
		}
	}
}

// Advance executes the run's next stage. One stage per call; a run that
// is not running cannot advance.
func (o *Orchestrator) Advance(ctx context.Context, runID string) (*Run, error) {
	unlock := o.lock(runID)
	defer unlock()

	r, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusRunning {
		return nil, &domain.InvalidStateError{Entity: "run", ID: runID, Status: string(r.Status), Op: "advance"}
	}
	switch r.Stage {
	case StageForecast:
		err = o.stageForecast(ctx, r)
	case StagePricing:
		err = o.stagePricing(ctx, r)
	case StageApproval:
		err = o.stageApproval(ctx, r)
	default:
		return nil, &domain.InvalidStateError{Entity: "run", ID: runID, Status: string(r.Stage), Op: "advance"}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		o.fail(ctx, r, err.Error())
		return r, nil
	}
	return r, nil
}

func (o *Orchestrator) stageForecast(ctx context.Context, r *Run) error {
	o.publish(r.ID, eventbus.KindStageStarted, string(StageForecast), 0, "analyzing demand", nil)

	shortfalls := make([]RunItem, 0, len(r.Input.Items))
	detail := map[string]any{}
	for _, it := range r.Input.Items {
		d, err := o.forecaster.Forecast(ctx, it.SKU, r.Input.ForecastDays)
		if err != nil {
			return fmt.Errorf("forecast %s: %w", it.SKU, err)
		}
		projected := it.CurrentStock - d.Predicted
		needsOrder := projected < it.ReorderPoint
		detail[it.SKU] = map[string]any{
			"predicted_demand": d.Predicted,
			"projected_stock":  projected,
			"reorder_point":    it.ReorderPoint,
			"order":            needsOrder,
		}
		if needsOrder {
			shortfalls = append(shortfalls, it)
		}
		o.publish(r.ID, eventbus.KindProgress, string(StageForecast), 0.15,
			fmt.Sprintf("%s: predicted demand %d over %d days", it.SKU, d.Predicted, r.Input.ForecastDays), nil)
	}
	r.ItemsAnalyzed = len(r.Input.Items)
	r.OrdersRecommended = len(shortfalls)
	o.recordStage(r, StageForecast, detail)
	o.publish(r.ID, eventbus.KindStageCompleted, string(StageForecast), 0.25,
		fmt.Sprintf("%d of %d items need replenishment", len(shortfalls), len(r.Input.Items)), nil)

	if len(shortfalls) == 0 {
		return o.complete(ctx, r, map[string]any{
			"outcome":            "completed",
			"items_analyzed":     r.ItemsAnalyzed,
			"orders_recommended": 0,
			"message":            "stock levels sufficient, no orders needed",
		})
	}
	r.Input.Items = shortfalls
	r.Stage = StagePricing
	return o.save(ctx, r)
}

func (o *Orchestrator) stagePricing(ctx context.Context, r *Run) error {
	o.publish(r.ID, eventbus.KindStageStarted, string(StagePricing), 0.25, "collecting supplier quotes", nil)

	supplierID, unitPrice, err := o.bestBlendedOffer(ctx, r)
	if err != nil {
		return err
	}
	totalQty := 0
	for _, it := range r.Input.Items {
		totalQty += it.Quantity
	}
	o.publish(r.ID, eventbus.KindProgress, string(StagePricing), 0.35,
		fmt.Sprintf("best offer %s from %s", unitPrice.String(), supplierID), nil)

	if r.Input.Negotiate {
		if err := o.negotiate(ctx, r, supplierID, unitPrice); err != nil {
			return err
		}
	} else {
		total, err := unitPrice.MulQty(totalQty)
		if err != nil {
			return err
		}
		r.SupplierID = supplierID
		r.InitialPrice = unitPrice.String()
		r.FinalPrice = unitPrice.String()
		r.TotalValue = total.String()
	}

	o.recordStage(r, StagePricing, map[string]any{
		"supplier_id":     r.SupplierID,
		"initial_price":   r.InitialPrice,
		"final_price":     r.FinalPrice,
		"total_value":     r.TotalValue,
		"savings_percent": r.SavingsPercent,
		"session_id":      r.SessionID,
	})
	o.publish(r.ID, eventbus.KindStageCompleted, string(StagePricing), 0.5,
		fmt.Sprintf("final price %s, total %s %s", r.FinalPrice, r.TotalValue, r.Input.Currency), nil)
	r.Stage = StageApproval
	return o.save(ctx, r)
}

// bestBlendedOffer collects quotes per SKU and returns the supplier with
// the lowest blended unit price across all items. Suppliers missing any
// SKU are excluded.
func (o *Orchestrator) bestBlendedOffer(ctx context.Context, r *Run) (string, money.Amount, error) {
	totalsBySupplier := map[string]int64{}
	covered := map[string]int{}
	totalQty := 0
	for _, it := range r.Input.Items {
		totalQty += it.Quantity
		quotes, err := o.desk.Quotes(ctx, it.SKU, it.Quantity, r.Input.Currency)
		if err != nil {
			return "", money.Amount{}, fmt.Errorf("quotes for %s: %w", it.SKU, err)
		}
		for _, q := range quotes {
			unit, err := money.Parse(q.Currency, q.UnitPrice)
			if err != nil || unit.Currency != r.Input.Currency {
				continue
			}
			line, err := unit.MulQty(it.Quantity)
			if err != nil {
				continue
			}
			totalsBySupplier[q.SupplierID] += line.Minor
			covered[q.SupplierID]++
		}
	}
	bestID := ""
	var bestTotal int64
	for id, total := range totalsBySupplier {
		if covered[id] != len(r.Input.Items) {
			continue
		}
		if bestID == "" || total < bestTotal || (total == bestTotal && id < bestID) {
			bestID, bestTotal = id, total
		}
	}
	if bestID == "" {
		return "", money.Amount{}, fmt.Errorf("no supplier can quote all %d items", len(r.Input.Items))
	}
	// Blended unit price, rounded up so the quoted total is never
	// understated.
	unitMinor := (bestTotal + int64(totalQty) - 1) / int64(totalQty)
	return bestID, money.Amount{Currency: r.Input.Currency, Minor: unitMinor}, nil
}

// negotiate runs the session against the chosen supplier: the supplier's
// best quote opens round one, the buyer counters at the target price, and
// revised offers are countered again until they land within the accept
// margin or rounds run out.
func (o *Orchestrator) negotiate(ctx context.Context, r *Run, supplierID string, opening money.Amount) error {
	items := make([]negotiation.LineItem, 0, len(r.Input.Items))
	for _, it := range r.Input.Items {
		items = append(items, negotiation.LineItem{SKU: it.SKU, Description: it.Description, Quantity: it.Quantity})
	}
	session, err := o.sessions.OpenSession(ctx, items, r.Input.Currency, r.Input.TargetPrice, r.Input.MaxRounds)
	if err != nil {
		return err
	}
	r.SessionID = session.ID
	r.SupplierID = supplierID

	round, err := o.sessions.SubmitOffer(ctx, session.ID, supplierID, negotiation.OfferInitial, opening.String(), "opening quote")
	if err != nil {
		return err
	}
	r.InitialPrice = round.OfferedPrice
	o.publish(r.ID, eventbus.KindProgress, string(StagePricing), 0.4,
		fmt.Sprintf("round %d: %s offers %s", round.Number, supplierID, round.OfferedPrice), nil)

	var target money.Amount
	haveTarget := r.Input.TargetPrice != ""
	if haveTarget {
		target, err = money.Parse(r.Input.Currency, r.Input.TargetPrice)
		if err != nil {
			return err
		}
	}

	current := opening
	accept := func() error {
		acc, err := o.sessions.Accept(ctx, session.ID, supplierID)
		if err != nil {
			return err
		}
		r.FinalPrice = acc.FinalPrice
		r.TotalValue = acc.TotalValue
		if initial, err := money.Parse(r.Input.Currency, r.InitialPrice); err == nil && initial.Minor > 0 {
			final, err := money.Parse(r.Input.Currency, acc.FinalPrice)
			if err == nil {
				r.SavingsPercent = float64(initial.Minor-final.Minor) / float64(initial.Minor) * 100
			}
		}
		o.publish(r.ID, eventbus.KindProgress, string(StagePricing), 0.45,
			fmt.Sprintf("accepted %s after %d rounds", acc.FinalPrice, acc.RoundsCompleted), nil)
		return nil
	}

	if !haveTarget || target.Minor >= current.Minor {
		return accept()
	}

	for {
		if _, err := o.sessions.Counter(ctx, session.ID, supplierID, target.String(), "buyer counter"); err != nil {
			return err
		}
		o.publish(r.ID, eventbus.KindProgress, string(StagePricing), 0.42,
			fmt.Sprintf("countered at %s", target.String()), nil)

		var decision suppliers.CounterDecision
		err := retry.Default.Do(ctx, func(ctx context.Context) error {
			var err error
			decision, err = o.desk.RespondToCounter(ctx, supplierID, current, target)
			return err
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// The supplier went quiet. The counter dies as a rejected
			// round and the run keeps the last standing offer.
			if _, rerr := o.sessions.RejectRound(ctx, session.ID, supplierID, "no response to counter"); rerr != nil {
				return rerr
			}
			o.publish(r.ID, eventbus.KindProgress, string(StagePricing), 0.44,
				fmt.Sprintf("%s unresponsive, keeping last offer %s", supplierID, current.String()), nil)
			if _, serr := o.sessions.SubmitOffer(ctx, session.ID, supplierID, negotiation.OfferFinal, current.String(), "standing offer restated after contact timeout"); serr != nil {
				if !domain.IsRoundLimit(serr) {
					return serr
				}
				return o.settleAtStandingOffer(ctx, r, session.ID, current)
			}
			return accept()
		}
		if decision.Accepted {
			// The countered round settles at the counter price.
			return accept()
		}

		round, err := o.sessions.SubmitOffer(ctx, session.ID, supplierID, negotiation.OfferCounter, decision.Price.String(), "revised offer")
		if err != nil {
			if domain.IsRoundLimit(err) {
				return accept()
			}
			return err
		}
		current = decision.Price
		o.publish(r.ID, eventbus.KindProgress, string(StagePricing), 0.44,
			fmt.Sprintf("round %d: %s revises to %s", round.Number, supplierID, round.OfferedPrice), nil)

		withinMargin := (current.Minor-target.Minor)*10000 <= target.Minor*acceptMarginBps
		live, _, err := o.sessions.Snapshot(ctx, session.ID)
		if err != nil {
			return err
		}
		if withinMargin || live.CurrentRound >= live.MaxRounds {
			return accept()
		}
	}
}

// settleAtStandingOffer closes a session whose rounds ran out with no live
// round left and prices the run at the supplier's last standing offer.
func (o *Orchestrator) settleAtStandingOffer(ctx context.Context, r *Run, sessionID string, price money.Amount) error {
	if err := o.sessions.Cancel(ctx, sessionID, "supplier unresponsive"); err != nil && !domain.IsInvalidState(err) {
		return err
	}
	totalQty := 0
	for _, it := range r.Input.Items {
		totalQty += it.Quantity
	}
	total, err := price.MulQty(totalQty)
	if err != nil {
		return err
	}
	r.FinalPrice = price.String()
	r.TotalValue = total.String()
	if initial, err := money.Parse(r.Input.Currency, r.InitialPrice); err == nil && initial.Minor > 0 {
		r.SavingsPercent = float64(initial.Minor-price.Minor) / float64(initial.Minor) * 100
	}
	return nil
}

func (o *Orchestrator) stageApproval(ctx context.Context, r *Run) error {
	o.publish(r.ID, eventbus.KindStageStarted, string(StageApproval), 0.5, "preparing approval", nil)

	r.PONumber = "PO-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	m, err := o.mandates.Issue(ctx, mandate.IssueInput{
		Type:       mandate.TypeCheckout,
		Amount:     r.TotalValue,
		Currency:   r.Input.Currency,
		SessionID:  r.SessionID,
		PONumber:   r.PONumber,
		SupplierID: r.SupplierID,
		ExpiresIn:  o.mandateTTL,
	})
	if err != nil {
		return fmt.Errorf("issue mandate: %w", err)
	}
	r.MandateID = m.ID

	preview := &checkpoint.MandatePreview{
		MandateID: m.ID,
		Amount:    m.Amount,
		Currency:  m.Currency,
		Status:    string(m.Status),
		ExpiresAt: m.ExpiresAt,
	}
	cp := &checkpoint.Checkpoint{
		ID:         "chk-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		RunID:      r.ID,
		Resolution: checkpoint.ResolutionPending,
		CreatedAt:  o.now(),
	}
	supplierName := r.SupplierID
	if d, ok := o.desk.(interface{ Name(string) string }); ok {
		supplierName = d.Name(r.SupplierID)
	}
	if r.SessionID != "" {
		rounds := 0
		if s, _, err := o.sessions.Snapshot(ctx, r.SessionID); err == nil {
			rounds = s.CurrentRound
		}
		cp.Kind = checkpoint.KindNegotiationApproval
		cp.Context = checkpoint.Context{Negotiation: &checkpoint.NegotiationApprovalContext{
			SessionID:       r.SessionID,
			SupplierID:      r.SupplierID,
			SupplierName:    supplierName,
			InitialPrice:    r.InitialPrice,
			FinalPrice:      r.FinalPrice,
			TotalValue:      r.TotalValue,
			Currency:        r.Input.Currency,
			SavingsPercent:  r.SavingsPercent,
			RoundsCompleted: rounds,
			Mandate:         preview,
		}}
	} else {
		items := make([]checkpoint.ContextItem, 0, len(r.Input.Items))
		for _, it := range r.Input.Items {
			items = append(items, checkpoint.ContextItem{
				SKU: it.SKU, Description: it.Description, Quantity: it.Quantity, UnitPrice: r.FinalPrice,
			})
		}
		cp.Kind = checkpoint.KindOrderApproval
		cp.Context = checkpoint.Context{Order: &checkpoint.OrderApprovalContext{
			SupplierID:        r.SupplierID,
			SupplierName:      supplierName,
			Items:             items,
			TotalValue:        r.TotalValue,
			Currency:          r.Input.Currency,
			ApprovalThreshold: o.threshold,
			Mandate:           preview,
		}}
	}
	if cp.Context.Negotiation != nil && o.threshold != "" {
		cp.Context.Extra = map[string]any{"approval_threshold": o.threshold}
	}
	if err := o.checkpoints.CreateCheckpoint(ctx, cp); err != nil {
		return err
	}
	r.OpenCheckpointID = cp.ID
	r.Status = StatusAwaitingApproval
	o.recordStage(r, StageApproval, map[string]any{
		"checkpoint_id": cp.ID,
		"kind":          string(cp.Kind),
		"po_number":     r.PONumber,
		"mandate_id":    m.ID,
	})
	if err := o.save(ctx, r); err != nil {
		return err
	}
	o.audit(ctx, r.ID, "checkpoint_opened", map[string]any{"checkpoint_id": cp.ID, "kind": string(cp.Kind)})
	o.publish(r.ID, eventbus.KindAwaitingApproval, string(StageApproval), 0.75,
		fmt.Sprintf("awaiting approval for %s %s", r.TotalValue, r.Input.Currency),
		map[string]any{"checkpoint_id": cp.ID, "po_number": r.PONumber, "mandate_id": m.ID})
	o.log.Info("run parked for approval", "run_id", r.ID, "checkpoint_id", cp.ID, "total", r.TotalValue)
	return nil
}

// ResolveCheckpoint applies a reviewer decision. Approval resumes the run
// and commits the payment end to end before returning; rejection fails
// the run and invalidates its mandate. Resolving the same checkpoint
// twice is an invalid-state error, never a double commit.
func (o *Orchestrator) ResolveCheckpoint(ctx context.Context, checkpointID string, resolution checkpoint.Resolution, reviewer, note string) (*Run, error) {
	if !resolution.Terminal() {
		return nil, domain.Validationf("resolution", "must be approved or rejected")
	}
	cp, err := o.checkpoints.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	unlock := o.lock(cp.RunID)
	defer unlock()

	r, err := o.store.GetRun(ctx, cp.RunID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusAwaitingApproval || r.OpenCheckpointID != checkpointID {
		return nil, &domain.InvalidStateError{Entity: "checkpoint", ID: checkpointID, Status: string(cp.Resolution), Op: "resolve"}
	}
	ok, err := o.checkpoints.ResolveCheckpoint(ctx, checkpointID, resolution, reviewer, note, o.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.InvalidStateError{Entity: "checkpoint", ID: checkpointID, Status: string(cp.Resolution), Op: "resolve"}
	}
	o.audit(ctx, r.ID, "checkpoint_resolved", map[string]any{
		"checkpoint_id": checkpointID, "resolution": string(resolution), "reviewer": reviewer,
	})
	r.OpenCheckpointID = ""

	if resolution == checkpoint.ResolutionRejected {
		if r.MandateID != "" {
			if _, err := o.mandates.Fail(ctx, r.MandateID, "approval rejected"); err != nil && !domain.IsInvalidState(err) {
				o.log.Warn("failed to invalidate mandate on rejection", "run_id", r.ID, "mandate_id", r.MandateID, "err", err)
			}
		}
		r.Status = StatusFailed
		r.FailureReason = "rejected by " + reviewer
		now := o.now()
		r.CompletedAt = &now
		if err := o.save(ctx, r); err != nil {
			return nil, err
		}
		o.publish(r.ID, eventbus.KindComplete, string(StageApproval), 1,
			"run rejected at approval", map[string]any{"outcome": "rejected", "reviewer": reviewer, "note": note})
		o.log.Info("run rejected", "run_id", r.ID, "reviewer", reviewer)
		return r, nil
	}

	r.Status = StatusRunning
	r.Stage = StageSettlement
	if err := o.save(ctx, r); err != nil {
		return nil, err
	}
	if err := o.stageSettlement(ctx, r); err != nil {
		o.fail(ctx, r, err.Error())
		return r, nil
	}
	return r, nil
}

// stageSettlement is the committed action behind an approval: the mandate
// is sent, counter-authorized by the supplier, verified, and executed.
func (o *Orchestrator) stageSettlement(ctx context.Context, r *Run) error {
	o.publish(r.ID, eventbus.KindStageStarted, string(StageSettlement), 0.75, "executing payment mandate", nil)

	sent, err := o.mandates.Send(ctx, r.MandateID)
	if err != nil {
		return fmt.Errorf("send mandate: %w", err)
	}
	authEnv, err := o.desk.AuthorizeMandate(ctx, r.SupplierID, sent.SignedPayload)
	if err != nil {
		return fmt.Errorf("merchant authorization: %w", err)
	}
	if _, err := o.mandates.AttachMerchantAuthorization(ctx, r.MandateID, authEnv); err != nil {
		return fmt.Errorf("attach authorization: %w", err)
	}
	res, err := o.mandates.Verify(ctx, r.MandateID)
	if err != nil {
		return fmt.Errorf("verify mandate: %w", err)
	}
	if !res.Valid {
		return fmt.Errorf("mandate verification failed: %s", res.Reason)
	}
	m, err := o.mandates.Execute(ctx, r.MandateID)
	if err != nil {
		return fmt.Errorf("execute mandate: %w", err)
	}

	r.OrdersCreated = 1
	o.recordStage(r, StageSettlement, map[string]any{
		"mandate_id":     m.ID,
		"settlement_ref": m.SettlementRef,
		"po_number":      r.PONumber,
	})
	o.audit(ctx, r.ID, "mandate_executed", map[string]any{"mandate_id": m.ID, "settlement_ref": m.SettlementRef})
	o.publish(r.ID, eventbus.KindStageCompleted, string(StageSettlement), 0.95,
		fmt.Sprintf("payment settled, ref %s", m.SettlementRef), nil)

	return o.complete(ctx, r, map[string]any{
		"outcome":            "completed",
		"items_analyzed":     r.ItemsAnalyzed,
		"orders_recommended": r.OrdersRecommended,
		"orders_created":     r.OrdersCreated,
		"supplier_id":        r.SupplierID,
		"final_price":        r.FinalPrice,
		"total_value":        r.TotalValue,
		"savings_percent":    r.SavingsPercent,
		"po_number":          r.PONumber,
		"mandate_id":         r.MandateID,
		"settlement_ref":     m.SettlementRef,
		"session_id":         r.SessionID,
	})
}

// Cancel stops a run wherever it is: an open checkpoint is rejected, a
// live mandate is failed, an open session is cancelled, and the run lands
// in cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) (*Run, error) {
	unlock := o.lock(runID)
	defer unlock()

	r, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, &domain.InvalidStateError{Entity: "run", ID: runID, Status: string(r.Status), Op: "cancel"}
	}
	o.mu.Lock()
	if cancel, ok := o.cancels[runID]; ok {
		cancel()
	}
	o.mu.Unlock()

	if r.OpenCheckpointID != "" {
		note := reason
		if note == "" {
			note = "run cancelled"
		}
		if _, err := o.checkpoints.ResolveCheckpoint(ctx, r.OpenCheckpointID, checkpoint.ResolutionRejected, "system", note, o.now()); err != nil {
			return nil, err
		}
		r.OpenCheckpointID = ""
	}
	if r.MandateID != "" {
		if _, err := o.mandates.Fail(ctx, r.MandateID, "run cancelled"); err != nil && !domain.IsInvalidState(err) {
			return nil, err
		}
	}
	if r.SessionID != "" {
		if err := o.sessions.Cancel(ctx, r.SessionID, "run cancelled"); err != nil && !domain.IsInvalidState(err) {
			return nil, err
		}
	}
	r.Status = StatusCancelled
	r.FailureReason = reason
	now := o.now()
	r.CompletedAt = &now
	if err := o.save(ctx, r); err != nil {
		return nil, err
	}
	o.audit(ctx, r.ID, "run_cancelled", map[string]any{"reason": reason})
	o.publish(r.ID, eventbus.KindComplete, string(r.Stage), 1, "run cancelled",
		map[string]any{"outcome": "cancelled", "reason": reason})
	o.log.Info("run cancelled", "run_id", runID, "reason", reason)
	return r, nil
}

// GetRun returns the run snapshot.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*Run, error) {
	return o.store.GetRun(ctx, runID)
}

// ListRuns returns run history, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	return o.store.ListRuns(ctx, limit)
}

// PendingApprovals lists every checkpoint awaiting a reviewer.
func (o *Orchestrator) PendingApprovals(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	return o.checkpoints.ListPendingCheckpoints(ctx)
}

// Audit returns a run's audit trail.
func (o *Orchestrator) Audit(ctx context.Context, runID string) ([]*AuditEntry, error) {
	if _, err := o.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return o.store.ListAudit(ctx, runID)
}

// Subscribe attaches to a run's progress stream.
func (o *Orchestrator) Subscribe(runID string) *eventbus.Subscription {
	return o.bus.Subscribe(runID)
}

func (o *Orchestrator) complete(ctx context.Context, r *Run, result map[string]any) error {
	r.Status = StatusCompleted
	now := o.now()
	r.CompletedAt = &now
	if err := o.save(ctx, r); err != nil {
		return err
	}
	o.audit(ctx, r.ID, "run_completed", result)
	o.publish(r.ID, eventbus.KindComplete, string(r.Stage), 1, "run completed", result)
	o.log.Info("run completed", "run_id", r.ID, "total", r.TotalValue)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, r *Run, reason string) {
	r.Status = StatusFailed
	r.FailureReason = reason
	now := o.now()
	r.CompletedAt = &now
	if err := o.save(ctx, r); err != nil {
		o.log.Error("failed to persist run failure", "run_id", r.ID, "err", err)
	}
	o.audit(ctx, r.ID, "run_failed", map[string]any{"reason": reason})
	o.publish(r.ID, eventbus.KindError, string(r.Stage), 1, reason, map[string]any{"outcome": "failed", "reason": reason})
	o.log.Error("run failed", "run_id", r.ID, "reason", reason)
}

func (o *Orchestrator) failWithLock(ctx context.Context, runID, reason string) {
	unlock := o.lock(runID)
	defer unlock()
	r, err := o.store.GetRun(ctx, runID)
	if err != nil || r.Status.Terminal() {
		return
	}
	o.fail(ctx, r, reason)
}

func (o *Orchestrator) recordStage(r *Run, stage Stage, detail map[string]any) {
	r.StageResults = append(r.StageResults, StageResult{Stage: stage, Detail: detail, CompletedAt: o.now()})
}

func (o *Orchestrator) save(ctx context.Context, r *Run) error {
	r.UpdatedAt = o.now()
	return o.store.UpdateRun(ctx, r)
}

func (o *Orchestrator) publish(runID string, kind eventbus.Kind, stage string, progress float64, message string, result map[string]any) {
	o.bus.Publish(eventbus.Event{
		Kind:      kind,
		Timestamp: o.now(),
		RunID:     runID,
		Stage:     stage,
		Progress:  progress,
		Message:   message,
		Result:    result,
	})
}

func (o *Orchestrator) audit(ctx context.Context, runID, action string, detail map[string]any) {
	e := &AuditEntry{
		ID:     "aud-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		RunID:  runID,
		Action: action,
		Detail: detail,
		At:     o.now(),
	}
	if err := o.store.AppendAudit(ctx, e); err != nil {
		o.log.Warn("audit append failed", "run_id", runID, "action", action, "err", err)
	}
}

func (o *Orchestrator) lock(runID string) func() {
	unlockable, _ := o.locks.LoadOrStore(runID, &sync.Mutex{})
	mu := unlockable.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
