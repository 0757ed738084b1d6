// Package devicetree holds the in-memory hierarchy of energy devices.
//
// Ownership flows strictly from parent to child: a Node owns its children and its
// reading buffer. The reference from a child back to its parent is weak and only
// used for upward lookups such as breadcrumbs; it never keeps a parent alive.
package devicetree

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"weak"

	"github.com/sreeram77/energy-core/internal/telemetry"
)

var (
	ErrDuplicateChildID = errors.New("duplicate child id")
	ErrChildNotFound    = errors.New("child not found")
	ErrCycle            = errors.New("attaching node would create a cycle")
	ErrAlreadyAttached  = errors.New("node already has a parent")
)

// DeviceType classifies a device
type DeviceType string

const (
	DeviceTypeSolar     DeviceType = "solar"
	DeviceTypeBattery   DeviceType = "battery"
	DeviceTypeGrid      DeviceType = "grid"
	DeviceTypeEVCharger DeviceType = "ev_charger"
	DeviceTypeMeter     DeviceType = "meter"
	DeviceTypeOther     DeviceType = "other"
)

// Device is the identity and descriptive metadata of a device
type Device struct {
	ID         string            `json:"id" mapstructure:"id"`
	Name       string            `json:"name,omitempty" mapstructure:"name"`
	Type       DeviceType        `json:"type,omitempty" mapstructure:"type"`
	Attributes map[string]string `json:"attributes,omitempty" mapstructure:"attributes"`
}

// Node represents one device in the tree.
//
// Structural methods (AddChild, RemoveChild) and buffer access are not synchronized;
// the owner of the tree serializes them. State and SetState are safe for concurrent use.
type Node struct {
	device   Device
	buffer   *telemetry.RingBuffer[telemetry.Reading]
	children map[string]*Node
	parent   weak.Pointer[Node]
	state    atomic.Pointer[telemetry.DerivedState]
}

// NewNode creates a detached node with a reading buffer of the given capacity
func NewNode(device Device, capacity int) *Node {
	device.Attributes = maps.Clone(device.Attributes)
	return &Node{
		device:   device,
		buffer:   telemetry.NewRingBuffer[telemetry.Reading](capacity),
		children: make(map[string]*Node),
	}
}

// ID returns the device id
func (n *Node) ID() string { return n.device.ID }

// Device returns a copy of the device metadata
func (n *Node) Device() Device {
	d := n.device
	d.Attributes = maps.Clone(n.device.Attributes)
	return d
}

// Buffer returns the node's reading buffer
func (n *Node) Buffer() *telemetry.RingBuffer[telemetry.Reading] { return n.buffer }

// Parent returns the parent node, or nil for a root or detached node
func (n *Node) Parent() *Node { return n.parent.Value() }

// State returns a copy of the last derived state and whether one has been computed
func (n *Node) State() (telemetry.DerivedState, bool) {
	s := n.state.Load()
	if s == nil {
		return telemetry.DerivedState{}, false
	}
	return s.Clone(), true
}

// SetState replaces the derived state wholesale
func (n *Node) SetState(s telemetry.DerivedState) {
	c := s.Clone()
	n.state.Store(&c)
}

// ResetState forgets any derived state
func (n *Node) ResetState() { n.state.Store(nil) }

// AddChild attaches child under n
func (n *Node) AddChild(child *Node) error {
	if child == nil {
		return fmt.Errorf("devicetree: nil child")
	}
	for p := n; p != nil; p = p.Parent() {
		if p == child {
			return fmt.Errorf("%w: %s is %s or one of its ancestors", ErrCycle, child.ID(), n.ID())
		}
	}
	if child.Parent() != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, child.ID())
	}
	if _, exists := n.children[child.ID()]; exists {
		return fmt.Errorf("%w: %s under %s", ErrDuplicateChildID, child.ID(), n.ID())
	}

	n.children[child.ID()] = child
	child.parent = weak.Make(n)
	return nil
}

// RemoveChild detaches the direct child with the given id and returns its subtree
func (n *Node) RemoveChild(id string) (*Node, error) {
	child, ok := n.children[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s under %s", ErrChildNotFound, id, n.ID())
	}
	delete(n.children, id)
	child.parent = weak.Pointer[Node]{}
	return child, nil
}

// Child returns the direct child with the given id
func (n *Node) Child(id string) (*Node, bool) {
	c, ok := n.children[id]
	return c, ok
}

// Children returns the direct children ordered by id
func (n *Node) Children() []*Node {
	ids := slices.Sorted(maps.Keys(n.children))
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, n.children[id])
	}
	return out
}

// FindDescendant looks up a node below n depth-first
func (n *Node) FindDescendant(id string) (*Node, bool) {
	for _, c := range n.Children() {
		if c.ID() == id {
			return c, true
		}
		if found, ok := c.FindDescendant(id); ok {
			return found, true
		}
	}
	return nil, false
}

// Walk visits n and its descendants in depth-first pre-order.
// Returning false from fn skips the visited node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children() {
		c.Walk(fn)
	}
}

// Path returns the ids from the root down to n
func (n *Node) Path() []string {
	var path []string
	for p := n; p != nil; p = p.Parent() {
		path = append(path, p.ID())
	}
	slices.Reverse(path)
	return path
}
