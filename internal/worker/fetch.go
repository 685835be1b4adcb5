// Package worker contains the long-running background services of a gate
// node — manifest fetch, admission push, nightly cleanup — and the
// supervisor that keeps them alive.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venueops/gateguard/internal/config"
	"github.com/venueops/gateguard/internal/gateway"
	"github.com/venueops/gateguard/internal/store"
	"github.com/venueops/gateguard/internal/telemetry"
)

// FetchWorker periodically pulls the day's ticket manifest and seeds or
// refreshes every co-located gate store.
type FetchWorker struct {
	cfg     config.Config
	client  *gateway.Client
	stores  []*store.Store
	metrics *telemetry.Metrics
	// now is a hook for day-boundary tests.
	now func() time.Time
}

// NewFetchWorker wires the fetch worker. metrics may be nil.
func NewFetchWorker(cfg config.Config, client *gateway.Client, stores []*store.Store, metrics *telemetry.Metrics) *FetchWorker {
	return &FetchWorker{cfg: cfg, client: client, stores: stores, metrics: metrics, now: time.Now}
}

// Name implements Worker.
func (w *FetchWorker) Name() string { return "fetch" }

// Run executes fetch cycles until the context is cancelled. Consecutive
// failures stretch the inter-cycle sleep linearly up to five minutes; the
// first success resets it.
func (w *FetchWorker) Run(ctx context.Context) error {
	log.Info().Dur("interval", w.cfg.FetchInterval()).Str("url", w.cfg.FetchURL()).
		Msg("Fetch worker started")

	failures := 0
	for {
		start := time.Now()
		err := w.cycle(ctx)

		var sleep time.Duration
		if err != nil {
			failures++
			sleep = time.Duration(failures) * time.Minute
			if sleep > 5*time.Minute {
				sleep = 5 * time.Minute
			}
			log.Error().Err(err).Int("consecutive_failures", failures).
				Dur("backoff", sleep).Msg("Fetch cycle failed")
			if w.metrics != nil {
				w.metrics.CycleDone("fetch", "error", time.Since(start).Seconds())
			}
		} else {
			failures = 0
			sleep = w.cfg.FetchInterval()
			if w.metrics != nil {
				w.metrics.CycleDone("fetch", "ok", time.Since(start).Seconds())
			}
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Fetch worker stopping")
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (w *FetchWorker) cycle(ctx context.Context) error {
	tickets, err := w.client.FetchManifest(ctx)
	if err != nil {
		// The store is never touched on a failed fetch; the current local
		// state simply stays in force.
		return err
	}

	today := w.now().Format("2006-01-02")
	var applied, skipped, invalid int

	for _, t := range tickets {
		if t.ReferenceNo == "" || t.BookingDate == "" || len(t.Attractions) == 0 {
			invalid++
			continue
		}
		if t.BookingDate != today {
			skipped++
			continue
		}

		for _, st := range w.stores {
			if err := st.UpsertFromServer(ctx, t.ReferenceNo, t.BookingDate, t.Attractions); err != nil {
				log.Error().Err(err).Str("ref", t.ReferenceNo).Str("gate", st.Gate()).
					Msg("Failed to apply manifest ticket")
			}
		}
		applied++
	}

	if w.metrics != nil {
		w.metrics.ManifestApplied(applied)
	}
	log.Info().Int("fetched", len(tickets)).Int("applied", applied).
		Int("skipped_not_today", skipped).Int("invalid", invalid).
		Msg("Fetch cycle completed")
	return nil
}
