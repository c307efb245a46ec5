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

// Package vfs is the proxying virtual filesystem: a FUSE tree mirroring a
// source directory where every read of a regular file is gated on a scan
// verdict, and every written file is scanned when its handle closes.
package vfs

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	log "github.com/sirupsen/logrus"

	"scangate/internal/common"
	"scangate/internal/events"
	"scangate/internal/scan"
)

// Gate decides whether file content may be handed to the caller. It owns
// the verdict cache lookup, the errno mapping, and the security event
// journaling, so the FUSE nodes stay thin.
type Gate struct {
	cache   *scan.Cache
	exclude *scan.Exclusions
	journal *events.Store
}

// NewGate creates a gate over the given cache, exclusion set, and journal.
func NewGate(cache *scan.Cache, exclude *scan.Exclusions, journal *events.Store) *Gate {
	return &Gate{cache: cache, exclude: exclude, journal: journal}
}

// CheckRead gates an open-for-read of the regular file at absPath. Returns
// 0 when content may flow: a clean verdict, an excluded path, or anything
// that is not a regular file. Infected content maps to EACCES, a failed
// scan to EIO, and a draining cache to EBUSY.
func (g *Gate) CheckRead(ctx context.Context, absPath, relPath string) syscall.Errno {
	if g.exclude.Match(relPath) {
		return 0
	}

	fi, err := os.Lstat(absPath)
	if err != nil {
		return errToErrno(err)
	}
	if !fi.Mode().IsRegular() {
		return 0
	}

	verdict, err := g.cache.GetOrScan(ctx, scan.FingerprintOf(absPath, fi), fileSource(absPath))
	if err != nil {
		if errors.Is(err, common.ErrDraining) {
			return syscall.EBUSY
		}
		return syscall.EIO
	}

	switch {
	case verdict.IsClean():
		return 0
	case verdict.IsInfected():
		log.WithFields(log.Fields{
			"path":      absPath,
			"signature": verdict.Signature,
		}).Warn("access denied, file is infected")
		g.journal.Record(ctx, events.KindAccessDenied, absPath, verdict.Signature, "open for read denied")
		return syscall.EACCES
	default:
		g.journal.Record(ctx, events.KindScanFailure, absPath, "", verdict.Reason)
		return syscall.EIO
	}
}

// FinishWrite scans the file at absPath after its last write handle
// closed. An infected result deletes the file and returns EACCES; the
// content must not survive on disk.
func (g *Gate) FinishWrite(ctx context.Context, absPath, relPath string) syscall.Errno {
	if g.exclude.Match(relPath) {
		return 0
	}

	fi, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Unlinked before the handle closed, nothing to scan.
			return 0
		}
		return errToErrno(err)
	}
	if !fi.Mode().IsRegular() {
		return 0
	}

	verdict, err := g.cache.GetOrScan(ctx, scan.FingerprintOf(absPath, fi), fileSource(absPath))
	if err != nil {
		if errors.Is(err, common.ErrDraining) {
			return syscall.EBUSY
		}
		return syscall.EIO
	}

	switch {
	case verdict.IsClean():
		return 0
	case verdict.IsInfected():
		log.WithFields(log.Fields{
			"path":      absPath,
			"signature": verdict.Signature,
		}).Warn("written file is infected, deleting")
		if err := os.Remove(absPath); err != nil {
			log.WithError(err).WithField("path", absPath).Error("failed to delete infected file")
		}
		g.journal.Record(ctx, events.KindWriteRejected, absPath, verdict.Signature, "written content rejected and deleted")
		return syscall.EACCES
	default:
		g.journal.Record(ctx, events.KindScanFailure, absPath, "", verdict.Reason)
		return syscall.EIO
	}
}

// fileSource opens path lazily so cache hits never touch the disk.
func fileSource(path string) scan.ByteSource {
	return func() (io.ReadCloser, int64, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, fi.Size(), nil
	}
}

func errToErrno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case os.IsNotExist(err):
		return syscall.ENOENT
	case os.IsPermission(err):
		return syscall.EACCES
	case os.IsExist(err):
		return syscall.EEXIST
	default:
		return syscall.EIO
	}
}
