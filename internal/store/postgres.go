package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/config"
)

// PostgresStoreConfig configures a Postgres-backed state store.
type PostgresStoreConfig struct {
	// DSN is a pgx connection string.
	DSN string
	// Schema defaults to "kiroproxy".
	Schema string
	// SpoolDir receives a local copy of every saved document so the proxy
	// can come back up while the database is unreachable.
	SpoolDir string
}

// PostgresStore keeps the state document in a single-row jsonb table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	spool  string
}

// NewPostgresStore connects to Postgres and prepares the state table.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres store: empty DSN")
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "kiroproxy"
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	s := &PostgresStore{pool: pool, schema: schema, spool: cfg.SpoolDir}
	if err := s.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) bootstrap(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, s.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q.state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.schema),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: bootstrap: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*config.State, error) {
	var raw []byte
	query := fmt.Sprintf(`SELECT doc FROM %q.state WHERE id = 1`, s.schema)
	err := s.pool.QueryRow(ctx, query).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		if st := s.loadSpool(); st != nil {
			return st, nil
		}
		return config.DefaultState(), nil
	}
	if err != nil {
		if st := s.loadSpool(); st != nil {
			log.WithError(err).Warn("Postgres unreachable, using spooled state")
			return st, nil
		}
		return nil, fmt.Errorf("postgres store: load: %w", err)
	}
	var st config.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("postgres store: decode state: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) Save(ctx context.Context, st *config.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres store: encode state: %w", err)
	}
	s.saveSpool(raw)
	query := fmt.Sprintf(`INSERT INTO %q.state (id, doc, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`, s.schema)
	if _, err := s.pool.Exec(ctx, query, raw); err != nil {
		return fmt.Errorf("postgres store: save: %w", err)
	}
	return nil
}

func (s *PostgresStore) Describe() string {
	return "postgres:" + s.schema + ".state"
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) spoolPath() string {
	if s.spool == "" {
		return ""
	}
	return filepath.Join(s.spool, "config.json")
}

func (s *PostgresStore) saveSpool(raw []byte) {
	path := s.spoolPath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.WithError(err).Debug("Failed to create spool dir")
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		log.WithError(err).Debug("Failed to spool state document")
	}
}

func (s *PostgresStore) loadSpool() *config.State {
	path := s.spoolPath()
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var st config.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil
	}
	return &st
}

// PingLoop logs connectivity loss once per outage so operators notice a dead
// database before the next save fails.
func (s *PostgresStore) PingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.pool.Ping(ctx)
			if err != nil && healthy {
				healthy = false
				log.WithError(err).Warn("Postgres state store unreachable")
			} else if err == nil && !healthy {
				healthy = true
				log.Info("Postgres state store reachable again")
			}
		}
	}
}
