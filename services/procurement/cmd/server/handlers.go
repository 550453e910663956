package main

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/httpx"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/checkpoint"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/mandate"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/negotiation"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/suppliers"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/workflow"
)

type server struct {
	orch        *workflow.Orchestrator
	sessions    *negotiation.Machine
	mandates    mandate.Store
	checkpoints checkpoint.Store
	desk        suppliers.Desk
	log         *slog.Logger
}

// writeDomainError maps typed domain errors onto the service's error
// envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		httpx.WriteError(w, 400, "VALIDATION", err.Error(), nil)
	case domain.IsNotFound(err):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	case domain.IsInvalidState(err):
		httpx.WriteError(w, 409, "INVALID_STATE", err.Error(), nil)
	case domain.IsRoundLimit(err):
		httpx.WriteError(w, 409, "ROUND_LIMIT", err.Error(), nil)
	case domain.IsExpired(err):
		httpx.WriteError(w, 409, "EXPIRED", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}

func (s *server) startRun(w http.ResponseWriter, r *http.Request) {
	var in workflow.Input
	if err := httpx.ReadJSON(r, &in); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	run, err := s.orch.Start(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 202, map[string]any{"request_id": httpx.NewRequestID(), "run": run})
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.WriteError(w, 400, "VALIDATION", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	runs, err := s.orch.ListRuns(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "runs": runs})
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "run": run})
}

// streamEvents serves the run's live progress as server-sent events. A
// run that is already terminal gets a single synthetic complete event so
// late subscribers never hang.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.orch.GetRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sse, err := httpx.NewSSEWriter(w)
	if err != nil {
		httpx.WriteError(w, 500, "STREAMING_UNSUPPORTED", err.Error(), nil)
		return
	}
	if run.Status.Terminal() {
		_ = sse.Send(map[string]any{
			"event_kind": "complete",
			"run_id":     run.ID,
			"message":    "run already finished",
			"result":     map[string]any{"status": string(run.Status)},
		})
		return
	}
	sub := s.orch.Subscribe(runID)
	defer sub.Cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := sse.Send(ev); err != nil {
				return
			}
		}
	}
}

func (s *server) cancelRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = httpx.ReadJSON(r, &req)
	run, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "run_id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "run": run})
}

func (s *server) pendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.orch.PendingApprovals(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "pending_approvals": pending})
}

func (s *server) approve(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, checkpoint.ResolutionApproved)
}

func (s *server) reject(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, checkpoint.ResolutionRejected)
}

func (s *server) resolve(w http.ResponseWriter, r *http.Request, resolution checkpoint.Resolution) {
	runID := chi.URLParam(r, "run_id")
	var req struct {
		Reviewer string `json:"reviewer"`
		Note     string `json:"note"`
	}
	_ = httpx.ReadJSON(r, &req)
	if req.Reviewer == "" {
		req.Reviewer = "reviewer"
	}
	cp, err := s.checkpoints.OpenCheckpointForRun(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	run, err := s.orch.ResolveCheckpoint(r.Context(), cp.ID, resolution, req.Reviewer, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"resolution": string(resolution),
		"run":        run,
	})
}

func (s *server) getNegotiation(w http.ResponseWriter, r *http.Request) {
	sess, rounds, err := s.sessions.Snapshot(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"session":    sess,
		"rounds":     rounds,
	})
}

// compareOffers ranks the session's live offers, blending in each
// supplier's on-time delivery rate as the price tie-breaker.
func (s *server) compareOffers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	ranked, err := s.sessions.CompareOffers(r.Context(), sessionID, s.desk.OnTimeRates())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.NewRequestID(),
		"session_id": sessionID,
		"offers":     ranked,
	})
}

func (s *server) getMandate(w http.ResponseWriter, r *http.Request) {
	m, err := s.mandates.GetMandate(r.Context(), chi.URLParam(r, "mandate_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "mandate": m})
}

func (s *server) getAudit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	entries, err := s.orch.Audit(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "run_id": runID, "audit": entries})
}
