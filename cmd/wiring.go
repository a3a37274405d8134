package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/internal/evaluator"
	"github.com/deepresearch/orchestrator/internal/intake"
	"github.com/deepresearch/orchestrator/internal/orchestrator"
	"github.com/deepresearch/orchestrator/internal/planner"
	"github.com/deepresearch/orchestrator/internal/progressbus"
	"github.com/deepresearch/orchestrator/internal/provider"
	"github.com/deepresearch/orchestrator/internal/researcher"
	"github.com/deepresearch/orchestrator/internal/store"
	"github.com/deepresearch/orchestrator/internal/writer"
)

// researchEnv holds every component the serve and research commands share:
// the Persistence Layer, Progress Bus, Provider Gateway, and the fully
// wired Orchestrator.
type researchEnv struct {
	Store        store.Store
	Bus          *progressbus.Bus
	Orchestrator *orchestrator.Orchestrator
}

// Close releases resources held by the research environment.
func (e *researchEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the Persistence Layer backend selected by
// cfg.Persistence.URL, falling back to the in-memory backend when unset so
// local development and the test suite never require a live database. An
// unreachable Postgres backend at startup also falls back to the in-memory
// backend, with a warning logged, rather than refusing to start.
func initStore(ctx context.Context) (store.Store, error) {
	if cfg.Persistence.URL == "" {
		return store.NewMemory(), nil
	}
	st, err := store.NewPostgres(ctx, cfg.Persistence.URL, nil)
	if err != nil {
		zap.L().Warn("postgres backend unreachable, falling back to in-memory store", zap.Error(err))
		return store.NewMemory(), nil
	}
	return st, nil
}

// initResearchEnv wires the Provider Gateway, the four orchestration
// stages, the Persistence Layer, and the Progress Bus into a ready
// Orchestrator. Callers should defer env.Close().
func initResearchEnv(ctx context.Context) (*researchEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	gateway := provider.New(cfg.Provider, cfg.RateLimit)
	bus := progressbus.New()

	p := planner.New(gateway)
	r := researcher.New(gateway, cfg.Orchestrator.ResearcherConcurrency, true)
	e := evaluator.New(gateway, cfg.Orchestrator.MaxEvidencePerSubtask)
	w := writer.New(gateway)

	o := orchestrator.New(p, r, e, w, st, bus)

	return &researchEnv{Store: st, Bus: bus, Orchestrator: o}, nil
}

// providerPresence reports, per capability, whether a real credential is
// configured, surfaced on the Intake API's /health endpoint.
func providerPresence() map[string]bool {
	return map[string]bool{
		"complete_text": cfg.Provider.APIKeyText != "",
		"search_web":    cfg.Provider.APIKeySearch != "",
	}
}

// newIntakeServer builds the Intake API server around an already-wired
// research environment.
func newIntakeServer(env *researchEnv) *intake.Server {
	return intake.New(env.Store, env.Bus, env.Orchestrator, cfg.Orchestrator, providerPresence())
}
