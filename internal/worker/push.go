package worker

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venueops/gateguard/internal/config"
	"github.com/venueops/gateguard/internal/gateway"
	"github.com/venueops/gateguard/internal/store"
	"github.com/venueops/gateguard/internal/telemetry"
)

// PushWorker drains unsynced tickets from every co-located gate store to
// the central service. Each reference is merged across stores by taking
// the maximum of pax and used per gate, so the server sees the union of
// local admissions no matter which store recorded them.
type PushWorker struct {
	cfg     config.Config
	client  *gateway.Client
	stores  []*store.Store
	metrics *telemetry.Metrics
}

// NewPushWorker wires the push worker. metrics may be nil.
func NewPushWorker(cfg config.Config, client *gateway.Client, stores []*store.Store, metrics *telemetry.Metrics) *PushWorker {
	return &PushWorker{cfg: cfg, client: client, stores: stores, metrics: metrics}
}

// Name implements Worker.
func (w *PushWorker) Name() string { return "push" }

// Run executes push cycles until the context is cancelled. Idle cycles
// sleep the configured sync interval; productive cycles sleep one second
// to give the server room between batches.
func (w *PushWorker) Run(ctx context.Context) error {
	log.Info().Dur("interval", w.cfg.SyncInterval()).Str("url", w.cfg.SyncURL()).
		Msg("Push worker started")

	for {
		start := time.Now()
		pushed, err := w.cycle(ctx)

		outcome := "ok"
		if err != nil {
			outcome = "error"
			log.Error().Err(err).Msg("Push cycle failed")
		}
		if w.metrics != nil {
			w.metrics.CycleDone("push", outcome, time.Since(start).Seconds())
		}

		sleep := w.cfg.SyncInterval()
		if pushed > 0 {
			sleep = time.Second
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Push worker stopping")
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// cycle pushes every pending reference once. It returns how many were
// accepted; per-ref failures are logged and left unsynced for the next
// cycle rather than aborting the batch.
func (w *PushWorker) cycle(ctx context.Context) (int, error) {
	refs, err := w.collectUnsynced(ctx)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, nil
	}
	log.Info().Int("pending", len(refs)).Msg("Pushing unsynced tickets")

	pushed := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return pushed, ctx.Err()
		}

		payload, holders := w.mergedSnapshot(ctx, ref)
		if len(holders) == 0 {
			continue
		}

		if err := w.client.PushTicket(ctx, payload); err != nil {
			// Left unsynced; the next cycle retries. The server merges by
			// max so an accepted-but-unacknowledged push is harmless.
			log.Warn().Err(err).Str("ref", ref).Msg("Push rejected, will retry")
			continue
		}

		for _, st := range holders {
			if _, err := st.MarkSynced(ctx, ref); err != nil {
				log.Error().Err(err).Str("ref", ref).Str("gate", st.Gate()).
					Msg("Failed to mark ticket synced")
			}
		}
		pushed++
	}

	if pushed > 0 {
		log.Info().Int("pushed", pushed).Int("pending", len(refs)-pushed).
			Msg("Push cycle completed")
		if w.metrics != nil {
			w.metrics.TicketsPushed(pushed)
		}
	}
	return pushed, nil
}

// collectUnsynced unions the pending references of every store, preserving
// the oldest-first order within each store and de-duplicating across them.
func (w *PushWorker) collectUnsynced(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var refs []string

	for _, st := range w.stores {
		pending, err := st.ListUnsynced(ctx)
		if err != nil {
			return nil, err
		}
		if w.metrics != nil {
			w.metrics.SetUnsynced(st.Gate(), len(pending))
		}
		for _, ref := range pending {
			if w.cfg.SkipDummy() && strings.HasSuffix(ref, store.DummySuffix) {
				continue
			}
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}

	sort.Strings(refs)
	return refs, nil
}

// mergedSnapshot gathers the reference from every store that holds it and
// merges the counters by max. holders lists the stores that must be marked
// synced on success.
func (w *PushWorker) mergedSnapshot(ctx context.Context, ref string) (store.SyncPayload, []*store.Store) {
	merged := store.SyncPayload{
		ReferenceNo: ref,
		Attractions: map[string]store.Seats{},
	}
	var holders []*store.Store

	for _, st := range w.stores {
		snap, ok, err := st.SnapshotForSync(ctx, ref)
		if err != nil {
			log.Error().Err(err).Str("ref", ref).Str("gate", st.Gate()).
				Msg("Failed to snapshot ticket for sync")
			continue
		}
		if !ok {
			continue
		}
		holders = append(holders, st)

		if merged.BookingDate == "" {
			merged.BookingDate = snap.BookingDate
		}
		for gate, seats := range snap.Attractions {
			cur := merged.Attractions[gate]
			if seats.Pax > cur.Pax {
				cur.Pax = seats.Pax
			}
			if seats.Used > cur.Used {
				cur.Used = seats.Used
			}
			merged.Attractions[gate] = cur
		}
	}

	return merged, holders
}
