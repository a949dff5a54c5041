// Package journal keeps a best-effort history of pipeline runs in
// Postgres. It is optional; the pipeline runs without it and only logs
// journal failures.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"go.uber.org/zap"
)

// Outcome labels how a pipeline run ended.
type Outcome string

const (
	OutcomeSuspicious     Outcome = "suspicious"
	OutcomeDelivery       Outcome = "delivery"
	OutcomeBenign         Outcome = "benign"
	OutcomeCaptureFailed  Outcome = "capture_failed"
	OutcomeClassifyFailed Outcome = "classify_failed"
)

// Entry is one completed pipeline run.
type Entry struct {
	RunID       string    `db:"run_id"`
	DeviceID    string    `db:"device_id"`
	DeviceName  string    `db:"device_name"`
	EventID     string    `db:"event_id"`
	Outcome     Outcome   `db:"outcome"`
	Confidence  string    `db:"confidence"`
	Description string    `db:"description"`
	Reason      string    `db:"reason"`
	StorageKey  string    `db:"storage_key"`
	LocalPath   string    `db:"local_path"`
	CreatedAt   time.Time `db:"created_at"`
}

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store records entries in a single detections table.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects, verifies the connection, and creates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("journal dsn is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}

	store := &Store{db: db, logger: zap.L().Named("journal")}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		run_id UUID PRIMARY KEY,
		device_id VARCHAR(255) NOT NULL,
		device_name VARCHAR(255) NOT NULL DEFAULT '',
		event_id VARCHAR(255) NOT NULL DEFAULT '',
		outcome VARCHAR(20) NOT NULL CHECK (outcome IN ('suspicious', 'delivery', 'benign', 'capture_failed', 'classify_failed')),
		confidence VARCHAR(10) NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		storage_key VARCHAR(500) NOT NULL DEFAULT '',
		local_path VARCHAR(500) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_detections_device_id ON detections(device_id);
	CREATE INDEX IF NOT EXISTS idx_detections_created_at ON detections(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_detections_outcome ON detections(outcome);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record appends one entry. A missing run id is generated and a zero
// CreatedAt defaults to now.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if entry.RunID == "" {
		entry.RunID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO detections (
			run_id, device_id, device_name, event_id, outcome,
			confidence, description, reason, storage_key, local_path, created_at
		) VALUES (
			:run_id, :device_id, :device_name, :event_id, :outcome,
			:confidence, :description, :reason, :storage_key, :local_path, :created_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("record detection %s: %w", entry.RunID, err)
	}

	s.logger.Debug("detection recorded",
		zap.String("run", entry.RunID),
		zap.String("device", entry.DeviceID),
		zap.String("outcome", string(entry.Outcome)))
	return nil
}

// RecentByDevice returns the newest entries for one device.
func (s *Store) RecentByDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries,
		`SELECT * FROM detections WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections for device %s: %w", deviceID, err)
	}
	return entries, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
