package storage_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sreeram77/energy-core/internal/storage"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

const testDSNEnv = "ENERGYCORE_TEST_POSTGRES_DSN"

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	connStr := os.Getenv(testDSNEnv)
	if connStr == "" {
		t.Skipf("Skipping integration test: %s not set", testDSNEnv)
	}

	testDB := setupTestDB(t, connStr)

	cfg, err := parseConnString(connStr)
	require.NoError(t, err, "Failed to parse connection string")

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	store, err := storage.NewPostgresStore(logger, cfg)
	require.NoError(t, err, "Failed to create PostgresStore")
	defer store.Close()

	_, err = testDB.Exec("TRUNCATE TABLE device_snapshots")
	require.NoError(t, err, "Failed to clear test data")

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("SaveAndLatest", func(t *testing.T) {
		next := now.Add(7 * 24 * time.Hour)
		snap := createTestSnapshot("bat-1", now, 0.8)
		snap.State.Predictions.MaintenanceNeeded = true
		snap.State.Predictions.NextMaintenanceDate = &next
		snap.State.Anomalies.Details = []string{"Unusual battery behavior detected"}

		require.NoError(t, store.Save(ctx, snap))

		got, err := store.Latest(ctx, "bat-1")
		require.NoError(t, err)
		assert.Equal(t, snap.UpdateID, got.UpdateID)
		assert.Equal(t, snap.State.Predictions.EnergyConsumption, got.State.Predictions.EnergyConsumption)
		assert.True(t, got.State.Predictions.MaintenanceNeeded)
		require.NotNil(t, got.State.Predictions.NextMaintenanceDate)
		assert.True(t, next.Equal(*got.State.Predictions.NextMaintenanceDate))
		assert.Equal(t, snap.State.Anomalies.Details, got.State.Anomalies.Details)
		assert.Empty(t, got.Error)
	})

	t.Run("ErrorIsStored", func(t *testing.T) {
		snap := createTestSnapshot("bat-2", now, 0.1)
		snap.Error = "process reading for bat-2: predict: model crashed"
		require.NoError(t, store.Save(ctx, snap))

		got, err := store.Latest(ctx, "bat-2")
		require.NoError(t, err)
		assert.Equal(t, snap.Error, got.Error)
		require.Error(t, got.State.LastError)
		assert.Equal(t, snap.Error, got.State.LastError.Error())
	})

	t.Run("OlderSnapshotIgnored", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, createTestSnapshot("bat-3", now, 0.9)))
		require.NoError(t, store.Save(ctx, createTestSnapshot("bat-3", now.Add(-time.Minute), 0.1)))

		got, err := store.Latest(ctx, "bat-3")
		require.NoError(t, err)
		assert.Equal(t, 0.9, got.State.Anomalies.Score)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.Latest(ctx, "non-existent")
		assert.ErrorIs(t, err, storage.ErrSnapshotNotFound)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		list, err := store.List(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(list), 3)

		require.NoError(t, store.Delete(ctx, "bat-3"))
		_, err = store.Latest(ctx, "bat-3")
		assert.ErrorIs(t, err, storage.ErrSnapshotNotFound)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		const numOps = 10
		var wg sync.WaitGroup
		wg.Add(numOps)

		for i := 0; i < numOps; i++ {
			go func(i int) {
				defer wg.Done()
				deviceID := fmt.Sprintf("concurrent-%d", i%3)
				err := store.Save(context.Background(), createTestSnapshot(deviceID, now.Add(time.Duration(i)*time.Second), 0.5))
				assert.NoError(t, err, "Concurrent save failed")
			}(i)
		}
		wg.Wait()

		for i := 0; i < 3; i++ {
			_, err := store.Latest(ctx, fmt.Sprintf("concurrent-%d", i))
			assert.NoError(t, err)
		}
	})
}

// createTestSnapshot builds a snapshot with a fixed forecast
func createTestSnapshot(deviceID string, updatedAt time.Time, score float64) storage.Snapshot {
	return storage.Snapshot{
		DeviceID: deviceID,
		UpdateID: fmt.Sprintf("%s-%d", deviceID, updatedAt.UnixNano()),
		State: telemetry.DerivedState{
			Predictions: telemetry.Predictions{
				EnergyConsumption: []float64{3.2, 3.4, 3.1},
				BatteryHealth:     91,
			},
			Anomalies: telemetry.Anomalies{Score: score, Details: []string{}},
			UpdatedAt: updatedAt,
		},
	}
}

// setupTestDB opens a direct connection used for cleanup
func setupTestDB(t *testing.T, connStr string) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "Failed to connect to PostgreSQL")

	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE TABLE device_snapshots`)
		db.Close()
	})

	return db
}

// parseConnString parses a key=value connection string into a PostgresConfig
func parseConnString(connStr string) (*storage.PostgresConfig, error) {
	var cfg storage.PostgresConfig
	for _, pair := range strings.Fields(connStr) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}

		switch key {
		case "host":
			cfg.Host = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid port: %w", err)
			}
			cfg.Port = port
		case "user":
			cfg.User = value
		case "password":
			cfg.Password = value
		case "dbname":
			cfg.DBName = value
		case "sslmode":
			cfg.SSLMode = value
		}
	}

	if cfg.Host == "" || cfg.Port == 0 || cfg.User == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("incomplete connection string")
	}

	return &cfg, nil
}
