// Package pipeline turns device readings into derived state: it buffers each
// reading on its device node, runs the forecasting and anomaly models against
// the buffer and publishes the folded result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sreeram77/energy-core/internal/devicetree"
	"github.com/sreeram77/energy-core/internal/modelruntime"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

// Status is the processing state of one device
type Status int32

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusReady
	StatusProcessing
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusProcessing:
		return "processing"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a registered device
type DeviceInfo struct {
	Device   devicetree.Device `json:"device"`
	ParentID string            `json:"parentId,omitempty"`
	Path     []string          `json:"path"`
	Status   string            `json:"status"`
	Buffered int               `json:"buffered"`
}

// deviceEntry is the pipeline's per-device context
type deviceEntry struct {
	node *devicetree.Node

	// mu serializes processing cycles and teardown for the device
	mu      sync.Mutex
	runtime *modelruntime.Runtime
	owned   bool

	// bufMu guards the node's ring buffer
	bufMu sync.Mutex

	// stateMu orders state commits against removal
	stateMu sync.Mutex
	removed bool

	ctx    context.Context
	cancel context.CancelFunc
	status atomic.Int32
}

func (e *deviceEntry) setStatus(s Status) { e.status.Store(int32(s)) }

func (e *deviceEntry) getStatus() Status { return Status(e.status.Load()) }

func (e *deviceEntry) push(r telemetry.Reading) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	e.node.Buffer().Push(r)
}

func (e *deviceEntry) snapshot() []telemetry.Reading {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return e.node.Buffer().Items()
}

func (e *deviceEntry) bufferLen() int {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return e.node.Buffer().Len()
}

func (e *deviceEntry) clearBuffer() {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	e.node.Buffer().Clear()
}

// markRemoved flags the entry so no later cycle commits state to it
func (e *deviceEntry) markRemoved() {
	e.stateMu.Lock()
	e.removed = true
	e.stateMu.Unlock()
	e.cancel()
}

// commit stores s on the node unless the device has been removed
func (e *deviceEntry) commit(s telemetry.DerivedState) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.removed {
		return false
	}
	e.node.SetState(s)
	return true
}

func (e *deviceEntry) isRemoved() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.removed
}

// Pipeline owns the device tree and orchestrates processing cycles
type Pipeline struct {
	logger  zerolog.Logger
	config  Config
	loader  modelruntime.Loader
	shared  *modelruntime.Runtime
	metrics pipelineMetrics
	tracer  trace.Tracer

	mu      sync.RWMutex
	roots   map[string]*devicetree.Node
	devices map[string]*deviceEntry
	closed  bool
	done    chan struct{}

	subMu       sync.Mutex
	subscribers map[chan Update]struct{}
}

// New creates a Pipeline that builds its model runtimes from loader
func New(logger zerolog.Logger, loader modelruntime.Loader, cfg Config) (*Pipeline, error) {
	if loader == nil {
		return nil, fmt.Errorf("model loader is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	p := &Pipeline{
		logger:      logger.With().Str("component", "pipeline").Logger(),
		config:      cfg,
		loader:      loader,
		metrics:     newPipelineMetrics(),
		tracer:      otel.Tracer(instrumentationName),
		roots:       make(map[string]*devicetree.Node),
		devices:     make(map[string]*deviceEntry),
		done:        make(chan struct{}),
		subscribers: make(map[chan Update]struct{}),
	}
	if cfg.RuntimeScope == ScopeShared {
		p.shared = modelruntime.New(logger, loader)
	}
	return p, nil
}

func (p *Pipeline) newEntry(node *devicetree.Node) *deviceEntry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &deviceEntry{node: node, ctx: ctx, cancel: cancel}
	e.runtime, e.owned = p.runtimeFor(node.ID())
	return e
}

// runtimeFor returns the runtime a device uses and whether the device owns it
func (p *Pipeline) runtimeFor(deviceID string) (*modelruntime.Runtime, bool) {
	if p.shared != nil {
		return p.shared, false
	}
	return modelruntime.New(p.logger.With().Str("device_id", deviceID).Logger(), p.loader), true
}

// RegisterDevice adds a device under parentID, or as a root when parentID is empty.
// A device without an id gets a generated one.
func (p *Pipeline) RegisterDevice(parentID string, device devicetree.Device) (*devicetree.Node, error) {
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.Type == "" {
		device.Type = devicetree.DeviceTypeOther
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if _, exists := p.devices[device.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, device.ID)
	}

	node := devicetree.NewNode(device, p.config.BufferCapacity)
	if parentID != "" {
		parent, ok := p.devices[parentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s", ErrDeviceNotFound, parentID)
		}
		if err := parent.node.AddChild(node); err != nil {
			return nil, fmt.Errorf("attach %s under %s: %w", device.ID, parentID, err)
		}
	} else {
		p.roots[device.ID] = node
	}
	p.devices[device.ID] = p.newEntry(node)
	p.metrics.devices.Add(context.Background(), 1)

	p.logger.Info().
		Str("device_id", device.ID).
		Str("parent_id", parentID).
		Str("type", string(device.Type)).
		Msg("Registered device")

	return node, nil
}

// RemoveDevice detaches the device and its subtree and tears down their
// resources. Cycles in flight for removed devices are cancelled and their
// results discarded.
func (p *Pipeline) RemoveDevice(deviceID string) error {
	p.mu.Lock()
	entry, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	if parent := entry.node.Parent(); parent != nil {
		if _, err := parent.RemoveChild(deviceID); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("detach %s: %w", deviceID, err)
		}
	} else {
		delete(p.roots, deviceID)
	}

	var removed []*deviceEntry
	entry.node.Walk(func(n *devicetree.Node) bool {
		if e, ok := p.devices[n.ID()]; ok {
			removed = append(removed, e)
			delete(p.devices, n.ID())
		}
		return true
	})
	p.mu.Unlock()

	for _, e := range removed {
		e.markRemoved()
	}

	var errs []error
	for _, e := range removed {
		if err := p.teardownEntry(e, false); err != nil {
			errs = append(errs, err)
		}
		e.node.ResetState()
		p.metrics.devices.Add(context.Background(), -1)
		p.publish(Update{
			ID:        uuid.NewString(),
			DeviceID:  e.node.ID(),
			Removed:   true,
			Timestamp: p.config.Now(),
		})
	}

	p.logger.Info().
		Str("device_id", deviceID).
		Int("removed", len(removed)).
		Msg("Removed device")

	return errors.Join(errs...)
}

// Teardown disposes the device's own model runtime, if it has one, and clears
// its buffer. The device stays registered. Unknown or already torn down devices
// are a no-op.
func (p *Pipeline) Teardown(deviceID string) error {
	entry, ok := p.lookup(deviceID)
	if !ok {
		return nil
	}
	return p.teardownEntry(entry, true)
}

// teardownEntry clears the buffer and disposes an owned runtime. With reinstall
// a fresh runtime replaces the disposed one so the device keeps processing.
func (p *Pipeline) teardownEntry(e *deviceEntry, reinstall bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearBuffer()
	if !e.owned {
		if !e.isRemoved() {
			e.setStatus(StatusIdle)
		}
		return nil
	}
	if err := e.runtime.Dispose(); err != nil {
		return fmt.Errorf("dispose runtime for %s: %w", e.node.ID(), err)
	}
	if reinstall && !e.isRemoved() {
		e.runtime, e.owned = p.runtimeFor(e.node.ID())
		e.setStatus(StatusIdle)
	}
	return nil
}

func (p *Pipeline) lookup(deviceID string) (*deviceEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.devices[deviceID]
	return e, ok
}

// Node returns the tree node of a registered device
func (p *Pipeline) Node(deviceID string) (*devicetree.Node, bool) {
	e, ok := p.lookup(deviceID)
	if !ok {
		return nil, false
	}
	return e.node, true
}

// GetDerivedState returns a snapshot of the device's last derived state
func (p *Pipeline) GetDerivedState(deviceID string) (telemetry.DerivedState, bool) {
	e, ok := p.lookup(deviceID)
	if !ok {
		return telemetry.DerivedState{}, false
	}
	return e.node.State()
}

// Status returns the processing status of a device
func (p *Pipeline) Status(deviceID string) (Status, bool) {
	e, ok := p.lookup(deviceID)
	if !ok {
		return StatusIdle, false
	}
	return e.getStatus(), true
}

// Readings returns the buffered readings of a device, oldest first
func (p *Pipeline) Readings(deviceID string) ([]telemetry.Reading, error) {
	e, ok := p.lookup(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return e.snapshot(), nil
}

// Devices lists registered devices in depth-first order, roots sorted by id
func (p *Pipeline) Devices() []DeviceInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rootIDs := make([]string, 0, len(p.roots))
	for id := range p.roots {
		rootIDs = append(rootIDs, id)
	}
	slices.Sort(rootIDs)

	out := make([]DeviceInfo, 0, len(p.devices))
	for _, id := range rootIDs {
		p.roots[id].Walk(func(n *devicetree.Node) bool {
			info := DeviceInfo{Device: n.Device(), Path: n.Path()}
			if parent := n.Parent(); parent != nil {
				info.ParentID = parent.ID()
			}
			if e, ok := p.devices[n.ID()]; ok {
				info.Status = e.getStatus().String()
				info.Buffered = e.bufferLen()
			}
			out = append(out, info)
			return true
		})
	}
	return out
}

// Warmup initializes the shared model runtime ahead of the first reading
func (p *Pipeline) Warmup(ctx context.Context) error {
	if p.shared == nil {
		return nil
	}
	if err := p.shared.Initialize(ctx); err != nil {
		return err
	}
	p.logger.Info().Msg("Model runtime ready")
	return nil
}

// Ready reports whether the pipeline can serve cycles without loading models
func (p *Pipeline) Ready() bool {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return false
	}
	if p.shared == nil {
		return true
	}
	return p.shared.State() == modelruntime.StateReady
}

// Close cancels in-flight cycles, ends subscriptions and disposes every runtime
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	entries := make([]*deviceEntry, 0, len(p.devices))
	for _, e := range p.devices {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.markRemoved()
	}

	var errs []error
	for _, e := range entries {
		if err := p.teardownEntry(e, false); err != nil {
			errs = append(errs, err)
		}
	}
	if p.shared != nil {
		if err := p.shared.Dispose(); err != nil {
			errs = append(errs, fmt.Errorf("dispose shared runtime: %w", err))
		}
	}
	p.closeSubscribers()

	p.logger.Info().Int("devices", len(entries)).Msg("Pipeline closed")
	return errors.Join(errs...)
}
