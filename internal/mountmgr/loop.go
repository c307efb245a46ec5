package mountmgr

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"scangate/internal/common"
)

// LoopSlot is one allocated loop device, owned by exactly one mount node
// while attached and returned to the allocator on detach.
type LoopSlot struct {
	Device string // e.g. /dev/loop3
	Image  string
	owner  string
}

// LoopAllocator acquires and releases loop devices, enforcing exclusive
// slot ownership.
type LoopAllocator struct {
	sys Sys

	mu    sync.Mutex
	inUse map[string]*LoopSlot // device path -> slot
}

// NewLoopAllocator creates an allocator over the given syscall surface.
func NewLoopAllocator(sys Sys) *LoopAllocator {
	return &LoopAllocator{
		sys:   sys,
		inUse: make(map[string]*LoopSlot),
	}
}

// Acquire attaches image to a free loop device on behalf of owner.
func (a *LoopAllocator) Acquire(owner, image string, readOnly bool) (*LoopSlot, error) {
	device, err := a.sys.LoopAttach(image, readOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrNoFreeSlot, err)
	}

	slot := &LoopSlot{Device: device, Image: image, owner: owner}

	a.mu.Lock()
	if existing, dup := a.inUse[device]; dup {
		a.mu.Unlock()
		// The kernel handed out a device we still track as owned. Do not
		// detach: the current owner's mount may be live on it.
		return nil, fmt.Errorf("loop device %s already owned by %s", device, existing.owner)
	}
	a.inUse[device] = slot
	a.mu.Unlock()

	log.WithFields(log.Fields{
		"device": device,
		"image":  image,
		"owner":  owner,
	}).Debug("loop device attached")
	return slot, nil
}

// Release detaches the slot's loop device and returns it to the free pool.
func (a *LoopAllocator) Release(slot *LoopSlot) error {
	a.mu.Lock()
	tracked, ok := a.inUse[slot.Device]
	if !ok || tracked != slot {
		a.mu.Unlock()
		return fmt.Errorf("loop device %s is not owned by %s", slot.Device, slot.owner)
	}
	delete(a.inUse, slot.Device)
	a.mu.Unlock()

	if err := a.sys.LoopDetach(slot.Device); err != nil {
		// Put the slot back so it is not lost track of; the caller retries.
		a.mu.Lock()
		a.inUse[slot.Device] = slot
		a.mu.Unlock()
		return err
	}

	log.WithFields(log.Fields{
		"device": slot.Device,
		"owner":  slot.owner,
	}).Debug("loop device detached")
	return nil
}

// ActiveCount returns the number of slots currently attached.
func (a *LoopAllocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
