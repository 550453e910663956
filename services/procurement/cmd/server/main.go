package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/authn"
	"github.com/Tar-ive/imaginecup2026-sub001/pkg/db"
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

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)
	ctx := context.Background()

	var (
		wfStore workflow.Store
		nStore  negotiation.Store
		cpStore checkpoint.Store
		mStore  mandate.Store
	)
	if os.Getenv("DATABASE_URL") != "" {
		pool := db.MustConnect(ctx)
		pg := store.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Error("migrate failed", "err", err)
			os.Exit(1)
		}
		wfStore, nStore, cpStore, mStore = pg, pg, pg, pg
		log.Info("using postgres store")
	} else {
		mem := store.NewMemory()
		wfStore, nStore, cpStore, mStore = mem, mem, mem, mem
		log.Info("no DATABASE_URL configured, using in-memory store")
	}

	desk, err := suppliers.NewSimDesk(loadSuppliers())
	if err != nil {
		log.Error("supplier config invalid", "err", err)
		os.Exit(1)
	}

	signer, err := mandate.NewSigner(mStore, settlement.NewSimBackend(), signingKey(log), os.Getenv("MANDATE_KEY_ID"))
	if err != nil {
		log.Error("mandate signer init failed", "err", err)
		os.Exit(1)
	}

	sessions := negotiation.New(nStore)
	orch := workflow.NewOrchestrator(workflow.Config{
		Store:             wfStore,
		Checkpoints:       cpStore,
		Sessions:          sessions,
		Mandates:          signer,
		Desk:              desk,
		Forecaster:        &forecast.Static{DefaultDailyRate: 10},
		Bus:               eventbus.New(),
		Logger:            log,
		ApprovalThreshold: os.Getenv("APPROVAL_THRESHOLD"),
	})

	reviewer := authn.NewReviewer(os.Getenv("REVIEWER_TOKEN_HASHES"))
	if !reviewer.Enabled() {
		log.Warn("REVIEWER_TOKEN_HASHES not set, approval endpoints are unauthenticated")
	}

	srv := &server{
		orch:        orch,
		sessions:    sessions,
		mandates:    mStore,
		checkpoints: cpStore,
		desk:        desk,
		log:         log,
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Route("/api", func(api chi.Router) {
		api.Post("/workflows/runs", srv.startRun)
		api.Get("/workflows/runs", srv.listRuns)
		api.Get("/workflows/runs/{run_id}", srv.getRun)
		api.Get("/workflows/runs/{run_id}/events", srv.streamEvents)
		api.Post("/workflows/runs/{run_id}/cancel", srv.cancelRun)
		api.Get("/workflows/pending-approvals", srv.pendingApprovals)
		api.Group(func(g chi.Router) {
			g.Use(reviewer.Middleware)
			g.Post("/workflows/approvals/{run_id}/approve", srv.approve)
			g.Post("/workflows/approvals/{run_id}/reject", srv.reject)
		})
		api.Get("/negotiations/{session_id}", srv.getNegotiation)
		api.Get("/negotiations/{session_id}/offers", srv.compareOffers)
		api.Get("/mandates/{mandate_id}", srv.getMandate)
		api.Get("/audit/{run_id}", srv.getAudit)
	})

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8084"
	}
	log.Info("procurement service listening", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// signingKey loads the mandate key from MANDATE_SIGNING_SEED, a 32-byte
// hex seed. Without one a throwaway key is generated; mandates then do
// not survive a restart verification-wise.
func signingKey(log *slog.Logger) ed25519.PrivateKey {
	if seedHex := os.Getenv("MANDATE_SIGNING_SEED"); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			log.Error("MANDATE_SIGNING_SEED must be 32 bytes of hex")
			os.Exit(1)
		}
		return ed25519.NewKeyFromSeed(seed)
	}
	log.Warn("MANDATE_SIGNING_SEED not set, generating ephemeral signing key")
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv
}

// loadSuppliers reads SUPPLIERS_FILE (JSON array of supplier configs) or
// falls back to a built-in simulated supplier base.
func loadSuppliers() []suppliers.SimSupplier {
	if path := os.Getenv("SUPPLIERS_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			var cfg []suppliers.SimSupplier
			if json.Unmarshal(b, &cfg) == nil && len(cfg) > 0 {
				return cfg
			}
		}
		slog.Warn("SUPPLIERS_FILE unreadable, using built-in suppliers", "path", path)
	}
	return []suppliers.SimSupplier{
		{ID: "sup-acme", Name: "Acme Industrial", DefaultPrice: "4.80", LeadTimeDays: 5, QualityScore: 0.92, OnTimeRate: 0.97},
		{ID: "sup-borealis", Name: "Borealis Supply Co", DefaultPrice: "5.10", LeadTimeDays: 3, QualityScore: 0.95, OnTimeRate: 0.97},
		{ID: "sup-crateworks", Name: "Crateworks Ltd", DefaultPrice: "5.25", LeadTimeDays: 7, QualityScore: 0.88, OnTimeRate: 0.91},
	}
}
