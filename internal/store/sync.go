package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertFromServer inserts or refreshes a ticket from a manifest record.
// On update the used counters take the maximum of local and server values,
// so a stale manifest can never roll back admissions recorded here, while
// server-side capacity is authoritative. The sync flag is left alone on
// update: pending local writes stay pending.
func (s *Store) UpsertFromServer(ctx context.Context, ref, bookingDate string, seats map[string]Seats) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO tickets
			(reference_no, booking_date, pax_a, used_a, pax_b, used_b, pax_c, used_c, is_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(reference_no) DO UPDATE SET
			booking_date = excluded.booking_date,
			pax_a = excluded.pax_a,
			used_a = MAX(tickets.used_a, excluded.used_a),
			pax_b = excluded.pax_b,
			used_b = MAX(tickets.used_b, excluded.used_b),
			pax_c = excluded.pax_c,
			used_c = MAX(tickets.used_c, excluded.used_c)`

	a, b, c := seats["A"], seats["B"], seats["C"]
	_, err := s.db.ExecContext(ctx, query, ref, bookingDate,
		a.Pax, a.Used, b.Pax, b.Used, c.Pax, c.Used)
	if err != nil {
		return fmt.Errorf("failed to upsert ticket %s: %w", ref, err)
	}
	return nil
}

// CreateFromParsed inserts a ticket first seen as a verified barcode while
// the manifest has never mentioned it (offline birth). Capacities come from
// the signed payload; usage starts at zero and the first admission follows
// as a separate TryAdmit. Losing a race against the fetch worker is fine:
// the row that got there first wins.
func (s *Store) CreateFromParsed(ctx context.Context, ref, bookingDate string, pax map[string]int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO tickets
			(reference_no, booking_date, pax_a, used_a, pax_b, used_b, pax_c, used_c, is_synced)
		VALUES (?, ?, ?, 0, ?, 0, ?, 0, 0)
		ON CONFLICT(reference_no) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, ref, bookingDate, pax["A"], pax["B"], pax["C"])
	if err != nil {
		return fmt.Errorf("failed to create ticket %s from scan: %w", ref, err)
	}
	return nil
}

// SnapshotForSync returns the ticket in the wire shape the central service
// accepts. The bool is false when the reference is unknown here.
func (s *Store) SnapshotForSync(ctx context.Context, ref string) (SyncPayload, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := struct {
		BookingDate string `db:"booking_date"`
		PaxA        int    `db:"pax_a"`
		UsedA       int    `db:"used_a"`
		PaxB        int    `db:"pax_b"`
		UsedB       int    `db:"used_b"`
		PaxC        int    `db:"pax_c"`
		UsedC       int    `db:"used_c"`
	}{}

	err := s.db.GetContext(ctx, &row, `
		SELECT booking_date, pax_a, used_a, pax_b, used_b, pax_c, used_c
		FROM tickets WHERE reference_no = ?`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncPayload{}, false, nil
	}
	if err != nil {
		return SyncPayload{}, false, fmt.Errorf("failed to snapshot ticket %s: %w", ref, err)
	}

	return SyncPayload{
		BookingDate: row.BookingDate,
		ReferenceNo: ref,
		Attractions: map[string]Seats{
			"A": {Pax: row.PaxA, Used: row.UsedA},
			"B": {Pax: row.PaxB, Used: row.UsedB},
			"C": {Pax: row.PaxC, Used: row.UsedC},
		},
	}, true, nil
}

// ListUnsynced returns the references with pending local writes, oldest
// scan first so the longest-waiting admissions reach the server first.
func (s *Store) ListUnsynced(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var refs []string
	err := s.db.SelectContext(ctx, &refs, `
		SELECT reference_no FROM tickets WHERE is_synced = 0
		ORDER BY last_scan ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced tickets: %w", err)
	}
	return refs, nil
}

// MarkSynced flags a ticket as accepted by the central service. It reports
// whether a row was actually updated; repeating it is harmless.
func (s *Store) MarkSynced(ctx context.Context, ref string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET is_synced = 1 WHERE reference_no = ?`, ref)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s synced: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s synced: %w", ref, err)
	}
	return n > 0, nil
}

// Exists reports whether the reference is known locally.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var one int
	err := s.db.GetContext(ctx, &one, `SELECT 1 FROM tickets WHERE reference_no = ?`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ticket %s: %w", ref, err)
	}
	return true, nil
}

// TicketInfo loads a full ticket row. The bool is false when absent.
func (s *Store) TicketInfo(ctx context.Context, ref string) (Ticket, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := struct {
		BookingDate string     `db:"booking_date"`
		PaxA        int        `db:"pax_a"`
		UsedA       int        `db:"used_a"`
		PaxB        int        `db:"pax_b"`
		UsedB       int        `db:"used_b"`
		PaxC        int        `db:"pax_c"`
		UsedC       int        `db:"used_c"`
		IsSynced    bool       `db:"is_synced"`
		CreatedAt   *time.Time `db:"created_at"`
		LastScan    *time.Time `db:"last_scan"`
	}{}

	err := s.db.GetContext(ctx, &row, `
		SELECT booking_date, pax_a, used_a, pax_b, used_b, pax_c, used_c,
		       is_synced, created_at, last_scan
		FROM tickets WHERE reference_no = ?`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, fmt.Errorf("failed to load ticket %s: %w", ref, err)
	}

	return Ticket{
		ReferenceNo: ref,
		BookingDate: row.BookingDate,
		IsSynced:    row.IsSynced,
		CreatedAt:   row.CreatedAt,
		LastScan:    row.LastScan,
		Seats: map[string]Seats{
			"A": {Pax: row.PaxA, Used: row.UsedA},
			"B": {Pax: row.PaxB, Used: row.UsedB},
			"C": {Pax: row.PaxC, Used: row.UsedC},
		},
	}, true, nil
}
