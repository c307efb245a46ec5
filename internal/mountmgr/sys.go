// Copyright 2025 ScanGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mountmgr manages loop-device backed storage layers: allocating
// loop devices, mounting single layers, and driving the whole dependency
// graph of nested mounts in a safe order.
package mountmgr

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Sys abstracts the OS mount and loop-device calls so the manager and
// graph can be tested against a fake.
type Sys interface {
	// LoopAttach binds image to a free loop device and returns its path.
	LoopAttach(image string, readOnly bool) (string, error)
	// LoopDetach releases the loop device at the given path.
	LoopDetach(device string) error
	// Mount performs the OS mount call.
	Mount(source, target, fstype string, flags uintptr, data string) error
	// Unmount performs the OS unmount call.
	Unmount(target string) error
}

// RealSys issues the actual syscalls via /dev/loop-control and mount(2).
type RealSys struct{}

func (RealSys) LoopAttach(image string, readOnly bool) (string, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("failed to open loop control: %w", err)
	}
	defer ctl.Close()

	number, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("no free loop device: %w", err)
	}
	device := fmt.Sprintf("/dev/loop%d", number)

	mode := os.O_RDWR
	if readOnly {
		mode = os.O_RDONLY
	}
	img, err := os.OpenFile(image, mode, 0)
	if err != nil {
		return "", fmt.Errorf("failed to open image %s: %w", image, err)
	}
	defer img.Close()

	dev, err := os.OpenFile(device, mode, 0)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", device, err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		return "", fmt.Errorf("failed to attach %s to %s: %w", image, device, err)
	}

	info := unix.LoopInfo64{}
	copy(info.File_name[:], image)
	if readOnly {
		info.Flags |= unix.LO_FLAGS_READ_ONLY
	}
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		// Roll back the attach; the device must not stay half-configured.
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		return "", fmt.Errorf("failed to configure %s: %w", device, err)
	}
	return device, nil
}

func (RealSys) LoopDetach(device string) error {
	dev, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", device, err)
	}
	defer dev.Close()
	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return fmt.Errorf("failed to detach %s: %w", device, err)
	}
	return nil
}

func (RealSys) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	return nil
}

func (RealSys) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}
