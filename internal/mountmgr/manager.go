package mountmgr

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"scangate/internal/util"
)

// State is a mount node's lifecycle state.
type State int32

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateUnmounting
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Node is one mount layer. Nodes are stored in the graph's arena and
// reference each other by index, never by pointer.
type Node struct {
	Name       string
	Image      string // loop-attached when non-empty
	Source     string // bind source when Image is empty
	FSType     string
	Mountpoint string
	Options    []string
	ReadOnly   bool

	state atomic.Int32
	slot  *LoopSlot

	parent   int // index into the graph arena, -1 for roots
	children []int
}

// State returns the node's current lifecycle state.
func (n *Node) State() State { return State(n.state.Load()) }

func (n *Node) setState(s State) { n.state.Store(int32(s)) }

// Manager mounts and unmounts single layers. Ordering between layers is
// the graph's responsibility; calling the manager out of dependency order
// is a programming error and panics.
type Manager struct {
	sys   Sys
	loops *LoopAllocator
}

// NewManager creates a manager over the given syscall surface.
func NewManager(sys Sys, loops *LoopAllocator) *Manager {
	return &Manager{sys: sys, loops: loops}
}

// Loops returns the loop allocator, for teardown accounting.
func (m *Manager) Loops() *LoopAllocator { return m.loops }

// Mount brings one node to Mounted. The node transitions to Mounted only
// after the OS call succeeds; on failure it returns to Unmounted and a
// loop device allocated on the way is released.
func (m *Manager) Mount(ctx context.Context, node *Node) error {
	if s := node.State(); s != StateUnmounted {
		panic(fmt.Sprintf("mount ordering violation: %s is %s, want unmounted", node.Name, s))
	}
	node.setState(StateMounting)

	source := node.Source
	var flags uintptr
	if node.ReadOnly {
		flags |= unix.MS_RDONLY
	}

	if node.Image != "" {
		slot, err := m.loops.Acquire(node.Name, node.Image, node.ReadOnly)
		if err != nil {
			node.setState(StateUnmounted)
			return fmt.Errorf("layer %s: %w", node.Name, err)
		}
		node.slot = slot
		source = slot.Device
	} else {
		flags |= unix.MS_BIND
	}

	if err := m.sys.Mount(source, node.Mountpoint, node.FSType, flags, strings.Join(node.Options, ",")); err != nil {
		if node.slot != nil {
			if relErr := m.loops.Release(node.slot); relErr != nil {
				log.WithError(relErr).WithField("layer", node.Name).Error("failed to release loop device after mount failure")
			}
			node.slot = nil
		}
		node.setState(StateUnmounted)
		return fmt.Errorf("layer %s: %w", node.Name, err)
	}

	node.setState(StateMounted)
	log.WithFields(log.Fields{
		"layer":      node.Name,
		"source":     source,
		"mountpoint": node.Mountpoint,
	}).Info("layer mounted")
	return nil
}

// Unmount brings one node back to Unmounted, retrying a busy device with
// bounded backoff before surfacing the failure. The loop device is
// detached only after the OS unmount succeeded.
func (m *Manager) Unmount(ctx context.Context, node *Node) error {
	if s := node.State(); s != StateMounted {
		panic(fmt.Sprintf("unmount ordering violation: %s is %s, want mounted", node.Name, s))
	}
	node.setState(StateUnmounting)

	err := util.Retry(ctx, func() error {
		return m.sys.Unmount(node.Mountpoint)
	}, util.UnmountRetryOptions(ctx)...)
	if err != nil {
		node.setState(StateMounted)
		return fmt.Errorf("layer %s: %w", node.Name, err)
	}

	if node.slot != nil {
		if err := m.loops.Release(node.slot); err != nil {
			node.setState(StateUnmounted)
			return fmt.Errorf("layer %s: %w", node.Name, err)
		}
		node.slot = nil
	}

	node.setState(StateUnmounted)
	log.WithFields(log.Fields{
		"layer":      node.Name,
		"mountpoint": node.Mountpoint,
	}).Info("layer unmounted")
	return nil
}
