// Package store owns the per-gate embedded ticket database: seat counters,
// the append-only scan history, and the sync flag that drives reconciliation
// with the central booking service.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"
)

// Gates are the attraction gates sharing the ticket namespace.
var Gates = []string{"A", "B", "C"}

// Seats is one gate's capacity/usage pair.
type Seats struct {
	Pax  int `json:"pax"`
	Used int `json:"used"`
}

// SyncPayload is the wire shape pushed to the central service. The server
// merges repeated pushes for the same reference by taking the maximum of
// each used counter, so re-delivery is harmless.
type SyncPayload struct {
	BookingDate string           `json:"bookingDate"`
	ReferenceNo string           `json:"referenceNo"`
	Attractions map[string]Seats `json:"attractions"`
}

// Ticket is a full row from the tickets table.
type Ticket struct {
	ReferenceNo string           `db:"reference_no"`
	BookingDate string           `db:"booking_date"`
	IsSynced    bool             `db:"is_synced"`
	CreatedAt   *time.Time       `db:"created_at"`
	LastScan    *time.Time       `db:"last_scan"`
	Seats       map[string]Seats `db:"-"`
}

// Store is the ticket database for one gate. Each edge host runs one Store
// per gate; all of them share the ticket namespace and schema.
type Store struct {
	db      *sqlx.DB
	gate    string
	path    string
	timeout time.Duration
}

// Option tweaks Store construction.
type Option func(*options)

type options struct {
	timeout time.Duration
	dir     string
}

// WithTimeout overrides the per-operation database timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDir places the database file in dir instead of the working directory.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// Open creates or opens the database for the named gate (A, B or C) and
// ensures the schema exists. The file is AttractionX.db per gate.
func Open(gate string, opts ...Option) (*Store, error) {
	gate = strings.ToUpper(gate)
	if !validGate(gate) {
		return nil, fmt.Errorf("unknown gate %q: want one of %v", gate, Gates)
	}

	o := options{timeout: 10 * time.Second, dir: "."}
	for _, opt := range opts {
		opt(&o)
	}

	path := filepath.Join(o.dir, "Attraction"+gate+".db")
	// WAL keeps readers off the writers' backs; NORMAL trades the last few
	// commits for not fsyncing on every admission.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite allows one writer at a time; a single pooled connection avoids
	// spurious SQLITE_BUSY between our own workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, gate: gate, path: path, timeout: o.timeout}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("gate", gate).Str("path", path).Msg("Ticket store opened")
	return s, nil
}

// Gate returns the gate this store belongs to.
func (s *Store) Gate() string { return s.gate }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tickets (
			reference_no TEXT PRIMARY KEY,
			booking_date TEXT NOT NULL,
			pax_a INTEGER DEFAULT 0,
			used_a INTEGER DEFAULT 0,
			pax_b INTEGER DEFAULT 0,
			used_b INTEGER DEFAULT 0,
			pax_c INTEGER DEFAULT 0,
			used_c INTEGER DEFAULT 0,
			is_synced BOOLEAN DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_scan TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scan_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticket_ref TEXT NOT NULL,
			scan_time TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			result TEXT NOT NULL,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_is_synced ON tickets(is_synced)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_booking_date ON tickets(booking_date)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_last_scan ON tickets(last_scan)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_time ON scan_history(scan_time)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_ref ON scan_history(ticket_ref)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func validGate(gate string) bool {
	for _, g := range Gates {
		if g == gate {
			return true
		}
	}
	return false
}

// paxCol and usedCol map a validated gate name to its column pair. Gate
// names are whitelisted before reaching SQL text.
func paxCol(gate string) string  { return "pax_" + strings.ToLower(gate) }
func usedCol(gate string) string { return "used_" + strings.ToLower(gate) }
