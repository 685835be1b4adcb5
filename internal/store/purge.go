package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// PurgeStats summarizes one cleanup pass over a store.
type PurgeStats struct {
	TicketsBefore  int
	TicketsDeleted int
	ScansBefore    int
	ScansDeleted   int
	VacuumSkipped  bool
	VacuumReason   string
}

// PurgeBefore deletes tickets with booking_date on or before the cutoff
// (YYYY-MM-DD) and scan-history entries up to the same day, then reclaims
// file space. The VACUUM runs outside any transaction; a busy database
// skips reclamation and reports why instead of failing the purge.
func (s *Store) PurgeBefore(ctx context.Context, cutoff string) (PurgeStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stats PurgeStats
	if err := s.db.GetContext(ctx, &stats.TicketsBefore, `SELECT COUNT(*) FROM tickets`); err != nil {
		return stats, fmt.Errorf("failed to count tickets: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.ScansBefore, `SELECT COUNT(*) FROM scan_history`); err != nil {
		return stats, fmt.Errorf("failed to count scan history: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE booking_date <= ?`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("failed to delete old tickets: %w", err)
	}
	n, _ := res.RowsAffected()
	stats.TicketsDeleted = int(n)

	res, err = tx.ExecContext(ctx, `DELETE FROM scan_history WHERE DATE(scan_time) <= ?`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("failed to delete old scan history: %w", err)
	}
	n, _ = res.RowsAffected()
	stats.ScansDeleted = int(n)

	// Restart the scan-history ids for the new day. The sequence row only
	// exists after the first insert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'scan_history'`); err != nil {
		log.Warn().Err(err).Str("gate", s.gate).Msg("Failed to reset scan history sequence")
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit purge: %w", err)
	}

	if err := s.vacuum(); err != nil {
		if isBusy(err) {
			stats.VacuumSkipped = true
			stats.VacuumReason = "database busy"
			log.Warn().Str("gate", s.gate).Msg("Database busy, skipping space reclamation")
		} else {
			stats.VacuumSkipped = true
			stats.VacuumReason = err.Error()
			log.Warn().Err(err).Str("gate", s.gate).Msg("Space reclamation failed")
		}
	}

	return stats, nil
}

// vacuum must not run inside a transaction; SQLite refuses otherwise.
func (s *Store) vacuum() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

// Backup copies the database file to a timestamped path under dir and
// returns that path. It runs outside any transaction; WAL keeps the copy
// consistent enough for disaster recovery of a daily working set.
func (s *Store) Backup(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	dst := filepath.Join(dir, fmt.Sprintf("%s_backup_%s", filepath.Base(s.path), stamp))

	src, err := os.Open(s.path)
	if err != nil {
		return "", fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to copy database: %w", err)
	}

	log.Info().Str("gate", s.gate).Str("backup", dst).Msg("Database backed up")
	return dst, nil
}
