package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// AdmitOutcome tags the result of an admission attempt. Denials are data,
// not errors; errors are reserved for broken I/O.
type AdmitOutcome int

const (
	// Admitted means the seat counter was incremented.
	Admitted AdmitOutcome = iota
	// NotFound means no ticket row exists for the reference.
	NotFound
	// NotValidHere means the ticket has zero capacity at this gate.
	NotValidHere
	// Exhausted means every seat is already used, including the case where
	// a concurrent scan won the conditional update.
	Exhausted
)

func (o AdmitOutcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case NotFound:
		return "not_found"
	case NotValidHere:
		return "not_valid_here"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// AdmitResult reports an admission decision together with the seat counters
// observed by the committing statement.
type AdmitResult struct {
	Outcome   AdmitOutcome
	Pax       int
	UsedAfter int
}

// TryAdmit atomically admits one passenger on ref at the given gate. The
// increment is a single conditional UPDATE guarded by used < pax, so two
// concurrent scans of the last seat cannot both succeed; the loser observes
// zero affected rows and is classified Exhausted.
func (s *Store) TryAdmit(ctx context.Context, ref, gate string) (AdmitResult, error) {
	if !validGate(gate) {
		return AdmitResult{}, fmt.Errorf("unknown gate %q", gate)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	used, pax := usedCol(gate), paxCol(gate)

	// RETURNING gives the exact post-commit counters, so concurrent winners
	// report a strictly increasing used_after sequence.
	query := fmt.Sprintf(`
		UPDATE tickets
		SET %[1]s = %[1]s + 1,
		    is_synced = 0,
		    last_scan = CURRENT_TIMESTAMP
		WHERE reference_no = ? AND %[1]s < %[2]s
		RETURNING %[2]s, %[1]s`, used, pax)

	var res AdmitResult
	err := s.db.QueryRowxContext(ctx, query, ref).Scan(&res.Pax, &res.UsedAfter)
	if err == nil {
		res.Outcome = Admitted
		return res, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AdmitResult{}, fmt.Errorf("failed to admit %s at gate %s: %w", ref, gate, err)
	}

	// The conditional update matched nothing: classify why.
	sel := fmt.Sprintf(`SELECT %s, %s FROM tickets WHERE reference_no = ?`, pax, used)
	var curPax, curUsed int
	switch err := s.db.QueryRowxContext(ctx, sel, ref).Scan(&curPax, &curUsed); {
	case errors.Is(err, sql.ErrNoRows):
		return AdmitResult{Outcome: NotFound}, nil
	case err != nil:
		return AdmitResult{}, fmt.Errorf("failed to look up %s: %w", ref, err)
	case curPax == 0:
		return AdmitResult{Outcome: NotValidHere}, nil
	default:
		return AdmitResult{Outcome: Exhausted, Pax: curPax, UsedAfter: curUsed}, nil
	}
}

// LogScan appends one scan-history row. Admission has already committed by
// the time this runs, so a write failure is logged and swallowed rather
// than surfaced to the scanning path.
func (s *Store) LogScan(ctx context.Context, ref, result, reason string) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_history (ticket_ref, result, reason) VALUES (?, ?, ?)`,
		ref, result, reason)
	if err != nil {
		log.Error().Err(err).Str("ref", ref).Str("result", result).
			Msg("Failed to append scan history")
	}
}
