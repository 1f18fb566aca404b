package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// retainDays bounds how much daily history the database keeps.
const retainDays = 90

const createDailyTable = `
CREATE TABLE IF NOT EXISTS daily_usage (
	day           TEXT PRIMARY KEY,
	requests      INTEGER NOT NULL DEFAULT 0,
	failures      INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0
)`

// Persister mirrors the tracker's daily rows into a sqlite file so the
// day-by-day history survives restarts. Only aggregate counters are
// stored, never request content.
type Persister struct {
	db      *sql.DB
	tracker *Tracker
}

// OpenPersister opens (or creates) the database at path, seeds the
// tracker with the stored history, and returns the persister.
func OpenPersister(path string, tracker *Tracker) (*Persister, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createDailyTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}

	p := &Persister{db: db, tracker: tracker}
	rows, err := p.load()
	if err != nil {
		db.Close()
		return nil, err
	}
	tracker.SeedDaily(rows)
	if len(rows) > 0 {
		log.WithFields(log.Fields{"days": len(rows), "path": path}).Info("Loaded persisted usage history")
	}
	return p, nil
}

func (p *Persister) load() ([]DailyRow, error) {
	rows, err := p.db.Query(`SELECT day, requests, failures, input_tokens, output_tokens FROM daily_usage ORDER BY day`)
	if err != nil {
		return nil, fmt.Errorf("read usage history: %w", err)
	}
	defer rows.Close()

	var out []DailyRow
	for rows.Next() {
		var r DailyRow
		if err := rows.Scan(&r.Date, &r.Requests, &r.Failures, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Flush upserts every tracked day and prunes rows beyond the retention
// window.
func (p *Persister) Flush(ctx context.Context) error {
	daily := p.tracker.allDaily()
	if len(daily) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO daily_usage (day, requests, failures, input_tokens, output_tokens)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(day) DO UPDATE SET
	requests = excluded.requests,
	failures = excluded.failures,
	input_tokens = excluded.input_tokens,
	output_tokens = excluded.output_tokens`)
	if err != nil {
		return fmt.Errorf("prepare usage flush: %w", err)
	}
	defer stmt.Close()

	for _, row := range daily {
		if _, err := stmt.ExecContext(ctx, row.Date, row.Requests, row.Failures, row.InputTokens, row.OutputTokens); err != nil {
			return fmt.Errorf("flush usage day %s: %w", row.Date, err)
		}
	}

	cutoff := time.Now().AddDate(0, 0, -retainDays).Format("2006-01-02")
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_usage WHERE day < ?`, cutoff); err != nil {
		return fmt.Errorf("prune usage history: %w", err)
	}
	return tx.Commit()
}

// FlushLoop flushes on a ticker until ctx is done, with a final flush
// on the way out.
func (p *Persister) FlushLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Flush(flushCtx); err != nil {
				log.WithError(err).Warn("Final usage flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				log.WithError(err).Warn("Usage flush failed")
			}
		}
	}
}

// Close closes the database.
func (p *Persister) Close() error {
	return p.db.Close()
}
