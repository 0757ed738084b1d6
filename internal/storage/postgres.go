package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString returns the lib/pq key=value connection string
func (c *PostgresConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

// PostgresStore implements SnapshotStore for PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresStore creates a new PostgreSQL snapshot store
func NewPostgresStore(logger zerolog.Logger, cfg *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &PostgresStore{
		db:     db,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}, nil
}

// createTables creates the necessary tables if they don't exist
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS device_snapshots (
			device_id TEXT PRIMARY KEY,
			update_id TEXT NOT NULL,
			state JSONB NOT NULL,
			last_error TEXT,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_updated_at ON device_snapshots (updated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create device_snapshots table: %w", err)
	}

	return nil
}

// Save implements SnapshotStore.Save
func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.DeviceID == "" {
		return fmt.Errorf("snapshot has no device id")
	}

	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", snap.DeviceID, err)
	}

	var lastErr sql.NullString
	if msg := snap.errorMessage(); msg != "" {
		lastErr = sql.NullString{String: msg, Valid: true}
	}

	// Older updates never replace a newer stored snapshot
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_snapshots (device_id, update_id, state, last_error, updated_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			update_id = EXCLUDED.update_id,
			state = EXCLUDED.state,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			recorded_at = EXCLUDED.recorded_at
		WHERE device_snapshots.updated_at <= EXCLUDED.updated_at
	`, snap.DeviceID, snap.UpdateID, string(state), lastErr, snap.State.UpdatedAt)
	if err != nil {
		s.logger.Error().Err(err).
			Str("device_id", snap.DeviceID).
			Msg("failed to upsert snapshot")
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.DeviceID, err)
	}

	return nil
}

// Latest implements SnapshotStore.Latest
func (s *PostgresStore) Latest(ctx context.Context, deviceID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, update_id, state, last_error, recorded_at
		FROM device_snapshots
		WHERE device_id = $1
	`, deviceID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, deviceID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query snapshot for %s: %w", deviceID, err)
	}
	return snap, nil
}

// List implements SnapshotStore.List
func (s *PostgresStore) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, update_id, state, last_error, recorded_at
		FROM device_snapshots
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var result []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		result = append(result, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}

	return result, nil
}

// Delete implements SnapshotStore.Delete
func (s *PostgresStore) Delete(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_snapshots WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", deviceID, err)
	}
	return nil
}

// Close implements SnapshotStore.Close
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		snap    Snapshot
		state   []byte
		lastErr sql.NullString
	)
	if err := row.Scan(&snap.DeviceID, &snap.UpdateID, &state, &lastErr, &snap.RecordedAt); err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode state for %s: %w", snap.DeviceID, err)
	}
	if lastErr.Valid {
		snap.Error = lastErr.String
		snap.State.LastError = errors.New(lastErr.String)
	}
	return snap, nil
}

// errorMessage prefers the explicit Error field over the state's LastError
func (s Snapshot) errorMessage() string {
	if s.Error != "" {
		return s.Error
	}
	return s.State.ErrorMessage()
}

// Ensure PostgresStore implements SnapshotStore
var _ SnapshotStore = (*PostgresStore)(nil)
