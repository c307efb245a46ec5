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

package vfs

import (
	"fmt"
	"os"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
)

// Mount serves the proxied tree over source at mountpoint. The caller
// owns the returned server: Wait blocks until the filesystem is
// unmounted, Unmount tears it down.
func Mount(mountpoint, source string, gate *Gate, debug bool) (*fuse.Server, error) {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mountpoint %s: %w", mountpoint, err)
	}

	// Short attribute timeouts: a file replaced on the backing tree must
	// produce a fresh fingerprint on the next open, not a cached one.
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second

	server, err := gofs.Mount(mountpoint, NewRoot(source, gate), &gofs.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName: source,
			Name:   "scangate",
			Debug:  debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount proxy at %s: %w", mountpoint, err)
	}

	log.WithFields(log.Fields{
		"mountpoint": mountpoint,
		"source":     source,
	}).Info("proxy filesystem mounted")
	return server, nil
}
