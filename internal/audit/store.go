package audit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
)

const eventColumns = 15

const schema = `
CREATE TABLE IF NOT EXISTS reflex_audit_events (
	id                   BIGSERIAL PRIMARY KEY,
	request_id           TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	action               TEXT NOT NULL DEFAULT '',
	risk_tier            TEXT NOT NULL DEFAULT '',
	pii_types            TEXT[] NOT NULL DEFAULT '{}',
	injection_categories TEXT[] NOT NULL DEFAULT '{}',
	highest_severity     TEXT NOT NULL DEFAULT 'none',
	pii_count            INTEGER NOT NULL DEFAULT 0,
	injection_count      INTEGER NOT NULL DEFAULT 0,
	cache_hit            BOOLEAN NOT NULL DEFAULT FALSE,
	client_ip_hash       TEXT NOT NULL DEFAULT '',
	user_hash            TEXT NOT NULL DEFAULT '',
	endpoint             TEXT NOT NULL DEFAULT '',
	rate_limit_dimension TEXT NOT NULL DEFAULT '',
	latency_ms           DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_reflex_audit_events_created_at ON reflex_audit_events (created_at);
CREATE INDEX IF NOT EXISTS idx_reflex_audit_events_action ON reflex_audit_events (action);`

// Inserter persists batches of audit events
type Inserter interface {
	InsertBatch(ctx context.Context, events []Event) (int64, error)
}

// Store writes audit events to PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewStore connects to the audit database and creates the schema
func NewStore(cfg config.AuditConfig, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &Store{db: db, logger: log.WithComponent("audit")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit store: %w", err)
	}

	s.logger.Info("Audit store initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns))
	return s, nil
}

func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// buildInsert renders a multi-row insert for events
func buildInsert(events []Event) (string, []interface{}) {
	valueStrings := make([]string, 0, len(events))
	valueArgs := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		placeholders := make([]string, eventColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*eventColumns+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
		valueArgs = append(valueArgs,
			e.RequestID,
			e.Kind,
			e.Action,
			e.RiskTier,
			pq.Array([]string(e.PIITypes)),
			pq.Array([]string(e.InjectionCategories)),
			e.HighestSeverity,
			e.PIICount,
			e.InjectionCount,
			e.CacheHit,
			e.ClientIPHash,
			e.UserHash,
			e.Endpoint,
			e.RateLimitDimension,
			e.LatencyMS,
		)
	}

	query := `
		INSERT INTO reflex_audit_events (
			request_id, kind, action, risk_tier, pii_types, injection_categories,
			highest_severity, pii_count, injection_count, cache_hit, client_ip_hash,
			user_hash, endpoint, rate_limit_dimension, latency_ms
		) VALUES ` + strings.Join(valueStrings, ",")
	return query, valueArgs
}

// InsertBatch writes events in one statement and returns the rows written
func (s *Store) InsertBatch(ctx context.Context, events []Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	query, args := buildInsert(events)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("audit batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(events))
	}
	return inserted, nil
}

// Recent returns the latest audit events, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, request_id, kind, action, risk_tier, pii_types, injection_categories,
			highest_severity, pii_count, injection_count, cache_hit, client_ip_hash,
			user_hash, endpoint, rate_limit_dimension, latency_ms, created_at
		FROM reflex_audit_events
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent audit events: %w", err)
	}
	return events, nil
}

// Summarize aggregates events created at or after since
func (s *Store) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	var summary Summary
	err := s.db.GetContext(ctx, &summary, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE action = 'block') AS blocked,
			COUNT(*) FILTER (WHERE action = 'sanitize') AS sanitized,
			COUNT(*) FILTER (WHERE action = 'pass') AS passed,
			COUNT(*) FILTER (WHERE kind = 'rate_limited') AS rate_limited,
			COUNT(*) FILTER (WHERE cache_hit) AS cache_hits,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
		FROM reflex_audit_events
		WHERE created_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize audit events: %w", err)
	}
	return &summary, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL hides the password of a database URL for logging
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
