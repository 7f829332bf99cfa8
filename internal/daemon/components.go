package daemon

import (
	"fmt"
	"log/slog"

	"chorus/internal/alerts"
	"chorus/internal/cleanup"
	"chorus/internal/config"
	"chorus/internal/consensus"
	"chorus/internal/downloads"
	"chorus/internal/export"
	"chorus/internal/quota"
	"chorus/internal/roles"
	"chorus/internal/services/objectstore"
	"chorus/internal/storage"
	"chorus/internal/store"
	"chorus/internal/tasks"
)

// TaskPool is a scheduler that also accepts handler registrations.
type TaskPool interface {
	tasks.Scheduler
	tasks.Registrar
}

// NewComponents builds the export components on top of st and registers
// their task handlers with pool. client may be nil for local storage.
func NewComponents(cfg *config.Config, st *store.Store, pool TaskPool, client objectstore.Client, logger *slog.Logger) (Components, error) {
	uploader, err := storage.New(cfg, client, logger)
	if err != nil {
		return Components{}, fmt.Errorf("storage backend: %w", err)
	}
	var presigner downloads.Presigner
	if client != nil {
		presigner = client
	}

	table := roles.NewTable(cfg)
	guard := quota.NewGuard(cfg, st, logger)
	coordinator := cleanup.NewCoordinator(cfg, st, pool, logger)
	engine := consensus.NewEngine(cfg, st, pool, logger)
	exporter := export.NewService(cfg, export.Dependencies{
		Store:     st,
		Scheduler: pool,
		Uploader:  uploader,
		Guard:     guard,
		Cleanup:   coordinator,
		Roles:     table,
	}, logger)

	pool.Register(tasks.KindConsensus, engine.HandleTask)
	pool.Register(tasks.KindExport, exporter.HandleTask)
	pool.Register(tasks.KindCleanup, coordinator.HandleTask)

	return Components{
		Consensus: engine,
		Export:    exporter,
		Downloads: downloads.NewGate(cfg, st, guard, presigner, logger),
		Guard:     guard,
		Alerts:    alerts.NewMonitor(cfg, st, guard, logger),
		Roles:     table,
	}, nil
}
