package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sreeram77/energy-core/internal/analytics"
	"github.com/sreeram77/energy-core/internal/api"
	"github.com/sreeram77/energy-core/internal/ingest"
	"github.com/sreeram77/energy-core/internal/pipeline"
	"github.com/sreeram77/energy-core/internal/storage"
)

// subscription hands an already-open subscription to the forwarder so no
// update is missed between start-up and the first reading
type subscription struct {
	updates <-chan pipeline.Update
}

func (s subscription) Subscribe(context.Context) <-chan pipeline.Update {
	return s.updates
}

type stack struct {
	pipeline  *pipeline.Pipeline
	store     *storage.MemoryStore
	collector *ingest.Collector
	baseURL   string
}

func startStack(t *testing.T) *stack {
	t.Helper()
	logger := zerolog.Nop()

	cfg := pipeline.DefaultConfig()
	cfg.CallTimeout = 5 * time.Second
	p, err := pipeline.New(logger, analytics.NewLoader(logger, analytics.DefaultConfig()), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, p.Warmup(ctx))

	store := storage.NewMemoryStore()
	forwarder := ingest.NewForwarder(logger, subscription{updates: p.Subscribe(ctx)}, store)
	go func() { _ = forwarder.Run(ctx) }()

	collector, err := ingest.NewCollector(logger, p, nil, &ingest.CollectorConfig{QueueSize: 128, AutoRegister: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Stop() })

	registry := prometheus.NewRegistry()
	server := api.NewServer(logger, api.Config{}, p, store, registry, registry)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &stack{pipeline: p, store: store, collector: collector, baseURL: ts.URL}
}

func (s *stack) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *stack) send(t *testing.T, method, path string, body any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.baseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	s := startStack(t)

	t.Run("API Health Check", func(t *testing.T) {
		var result map[string]any
		require.Equal(t, http.StatusOK, s.get(t, "/health", &result))
		assert.Equal(t, "ok", result["status"])
	})

	t.Run("Register device tree", func(t *testing.T) {
		assert.Equal(t, http.StatusCreated, s.send(t, http.MethodPost, "/api/v1/devices",
			api.RegisterDeviceRequest{ID: "site", Type: "meter"}))
		assert.Equal(t, http.StatusCreated, s.send(t, http.MethodPost, "/api/v1/devices",
			api.RegisterDeviceRequest{ID: "bat-1", ParentID: "site", Type: "battery"}))
		assert.Equal(t, http.StatusConflict, s.send(t, http.MethodPost, "/api/v1/devices",
			api.RegisterDeviceRequest{ID: "bat-1", ParentID: "site"}))

		var devices []api.Device
		require.Equal(t, http.StatusOK, s.get(t, "/api/v1/devices", &devices))
		require.Len(t, devices, 2)
		assert.Equal(t, []string{"site", "bat-1"}, devices[1].Path)
	})

	t.Run("Readings over the transport produce derived state", func(t *testing.T) {
		start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 40; i++ {
			payload := fmt.Sprintf(`{"timestamp":%q,"power":%v,"stateOfCharge":%v,"temperature":30}`,
				start.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), 2+float64(i%4)*0.1, 90-float64(i)*0.5)
			s.collector.HandleMessage("energy/readings/bat-1", []byte(payload))
		}

		require.Eventually(t, func() bool {
			var readings []json.RawMessage
			return s.get(t, "/api/v1/devices/bat-1/readings", &readings) == http.StatusOK && len(readings) == 40
		}, 5*time.Second, 20*time.Millisecond)

		var state api.State
		require.Eventually(t, func() bool {
			return s.get(t, "/api/v1/devices/bat-1/state", &state) == http.StatusOK && state.Status == "ready" &&
				len(state.Predictions.EnergyConsumption) == 24
		}, 5*time.Second, 20*time.Millisecond)
		assert.Empty(t, state.LastError)
		assert.InDelta(t, 100, state.Predictions.BatteryHealth, 0.001)
		assert.GreaterOrEqual(t, state.Anomalies.Score, 0.0)
		assert.LessOrEqual(t, state.Anomalies.Score, 1.0)
		assert.False(t, state.Predictions.MaintenanceNeeded)
		assert.Nil(t, state.Predictions.NextMaintenanceDate)

		require.Eventually(t, func() bool {
			snap, err := s.store.Latest(context.Background(), "bat-1")
			return err == nil && len(snap.State.Predictions.EnergyConsumption) == 24
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("Unknown devices are auto-registered", func(t *testing.T) {
		s.collector.HandleMessage("energy/readings/ev-1", []byte(`{"power":7.2}`))

		require.Eventually(t, func() bool {
			status, ok := s.pipeline.Status("ev-1")
			return ok && status != pipeline.StatusIdle && status != pipeline.StatusProcessing
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("Removing a subtree forgets its devices", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, s.send(t, http.MethodDelete, "/api/v1/devices/site", nil))
		assert.Equal(t, http.StatusNotFound, s.get(t, "/api/v1/devices/bat-1/state", nil))

		require.Eventually(t, func() bool {
			_, err := s.store.Latest(context.Background(), "bat-1")
			return err != nil
		}, 5*time.Second, 20*time.Millisecond)
	})
}
