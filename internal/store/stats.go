package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Stats is a point-in-time summary of one gate store.
type Stats struct {
	Gate          string `json:"gate"`
	TotalTickets  int    `json:"total_tickets"`
	TodayScans    int    `json:"today_scans"`
	TodayEntries  int    `json:"today_entries"`
	UnsyncedCount int    `json:"unsynced_count"`
}

// TodayScans counts scan-history rows recorded today.
func (s *Store) TodayScans(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM scan_history WHERE DATE(scan_time) = DATE('now', 'localtime')`)
	if err != nil {
		return 0, fmt.Errorf("failed to count today's scans: %w", err)
	}
	return n, nil
}

// Stats gathers the totals shown on the monitor endpoint and the operator
// display.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	st := Stats{Gate: s.gate}

	if err := s.db.GetContext(ctx, &st.TotalTickets, `SELECT COUNT(*) FROM tickets`); err != nil {
		return st, fmt.Errorf("failed to count tickets: %w", err)
	}

	err := s.db.GetContext(ctx, &st.TodayScans,
		`SELECT COUNT(*) FROM scan_history WHERE DATE(scan_time) = DATE('now', 'localtime')`)
	if err != nil {
		return st, fmt.Errorf("failed to count today's scans: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(%s), 0) FROM tickets WHERE DATE(last_scan) = DATE('now', 'localtime')`,
		usedCol(s.gate))
	if err := s.db.GetContext(ctx, &st.TodayEntries, query); err != nil {
		return st, fmt.Errorf("failed to sum today's entries: %w", err)
	}

	err = s.db.GetContext(ctx, &st.UnsyncedCount, `SELECT COUNT(*) FROM tickets WHERE is_synced = 0`)
	if err != nil {
		return st, fmt.Errorf("failed to count unsynced tickets: %w", err)
	}

	return st, nil
}

// DummySuffix marks seeded test tickets; the push worker can be configured
// to skip them.
const DummySuffix = "-dummy"

// SeedSampleTickets inserts a handful of test tickets for bench checks of a
// freshly imaged gate node. References carry DummySuffix so they never leak
// to the central service when skip_dummy_sync is on.
func (s *Store) SeedSampleTickets(ctx context.Context, bookingDate string) error {
	samples := []struct {
		ref   string
		seats map[string]Seats
	}{
		{bookingDate + "-000001" + DummySuffix, map[string]Seats{"A": {Pax: 2}}},
		{bookingDate + "-000002" + DummySuffix, map[string]Seats{"A": {Pax: 1}}},
		{bookingDate + "-000003" + DummySuffix, map[string]Seats{"A": {Pax: 3}, "B": {Pax: 3}}},
		{bookingDate + "-000004" + DummySuffix, map[string]Seats{"A": {Pax: 4}, "B": {Pax: 4}, "C": {Pax: 4}}},
	}

	for _, sample := range samples {
		if err := s.UpsertFromServer(ctx, sample.ref, bookingDate, sample.seats); err != nil {
			return err
		}
	}

	log.Info().Str("gate", s.gate).Int("count", len(samples)).Msg("Sample tickets seeded")
	return nil
}
