package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venueops/gateguard/internal/config"
	"github.com/venueops/gateguard/internal/store"
	"github.com/venueops/gateguard/internal/telemetry"
)

// CleanupWorker garbage-collects yesterday's tickets and scan history once
// per hour, backing each database up first.
type CleanupWorker struct {
	cfg     config.Config
	stores  []*store.Store
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewCleanupWorker wires the cleanup worker. metrics may be nil.
func NewCleanupWorker(cfg config.Config, stores []*store.Store, metrics *telemetry.Metrics) *CleanupWorker {
	return &CleanupWorker{cfg: cfg, stores: stores, metrics: metrics, now: time.Now}
}

// Name implements Worker.
func (w *CleanupWorker) Name() string { return "cleanup" }

// Run polls once a minute for the top of the hour (±5 min drift tolerated)
// and fires at most once per hour window: the post-fire sleep outlasts the
// window, so a slow pass cannot double-fire.
func (w *CleanupWorker) Run(ctx context.Context) error {
	log.Info().Msg("Cleanup worker started")

	for {
		var sleep time.Duration
		if w.now().Minute() <= 5 {
			start := time.Now()
			w.RunOnce(ctx)
			if w.metrics != nil {
				w.metrics.CycleDone("cleanup", "ok", time.Since(start).Seconds())
			}
			sleep = 5 * time.Minute
		} else {
			sleep = time.Minute
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Cleanup worker stopping")
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// RunOnce performs one cleanup pass over every store. A failed backup
// aborts that store's purge and moves on to the next; reclamation failures
// are reported by the store and never abort the pass.
func (w *CleanupWorker) RunOnce(ctx context.Context) {
	yesterday := w.now().AddDate(0, 0, -1).Format("2006-01-02")
	log.Info().Str("cutoff", yesterday).Msg("Starting cleanup pass")

	for _, st := range w.stores {
		backupPath, err := st.Backup(w.cfg.Database.BackupDir)
		if err != nil {
			log.Error().Err(err).Str("gate", st.Gate()).
				Msg("Backup failed, skipping cleanup for this store")
			continue
		}

		stats, err := st.PurgeBefore(ctx, yesterday)
		if err != nil {
			log.Error().Err(err).Str("gate", st.Gate()).Str("backup", backupPath).
				Msg("Cleanup failed, backup preserved")
			continue
		}

		evt := log.Info().Str("gate", st.Gate()).
			Int("tickets_before", stats.TicketsBefore).
			Int("tickets_deleted", stats.TicketsDeleted).
			Int("scans_before", stats.ScansBefore).
			Int("scans_deleted", stats.ScansDeleted).
			Str("backup", backupPath)
		if stats.VacuumSkipped {
			evt = evt.Str("vacuum_skipped", stats.VacuumReason)
		}
		evt.Msg("Store cleanup completed")
	}
}
