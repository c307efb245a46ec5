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

package scan

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"scangate/internal/common"
)

// ByteSource opens the content to scan on demand, so no bytes are read on
// a cache hit. It reports the stream and its size (-1 when unknown).
type ByteSource func() (io.ReadCloser, int64, error)

// pendingScan is an in-flight scan for one fingerprint. Waiters block on
// done and then read verdict/err, which are written exactly once before
// done is closed.
type pendingScan struct {
	done    chan struct{}
	verdict Verdict
	err     error
}

// Cache maps fingerprints to verdicts with single-flight semantics: for a
// given fingerprint at most one engine call is ever in flight, and every
// concurrent requester observes the same result. Resolved entries live in
// an LRU bound; evicting a resolved entry is safe because the next access
// re-scans. Error verdicts are never stored.
//
// A changed file produces a different fingerprint and therefore a fresh
// entry; the stale entry ages out of the LRU on its own.
type Cache struct {
	engine Engine

	mu       sync.Mutex
	resolved *lru.Cache[Fingerprint, Verdict]
	pending  map[Fingerprint]*pendingScan

	draining atomic.Bool
	scans    atomic.Int64 // engine invocations, observable for idempotence checks
}

// NewCache creates a verdict cache bounded to capacity resolved entries.
func NewCache(engine Engine, capacity int) (*Cache, error) {
	resolved, err := lru.New[Fingerprint, Verdict](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create verdict cache: %w", err)
	}
	return &Cache{
		engine:   engine,
		resolved: resolved,
		pending:  make(map[Fingerprint]*pendingScan),
	}, nil
}

// GetOrScan returns the cached verdict for fp, or scans src and caches the
// result. Concurrent callers for the same fingerprint wait for the single
// in-flight scan. Returns common.ErrDraining once shutdown has begun.
func (c *Cache) GetOrScan(ctx context.Context, fp Fingerprint, src ByteSource) (Verdict, error) {
	if c.draining.Load() {
		return Verdict{}, common.ErrDraining
	}

	c.mu.Lock()
	if v, ok := c.resolved.Get(fp); ok {
		c.mu.Unlock()
		return v, nil
	}
	if p, ok := c.pending[fp]; ok {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.verdict, p.err
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	p := &pendingScan{done: make(chan struct{})}
	c.pending[fp] = p
	c.mu.Unlock()

	p.verdict, p.err = c.scan(ctx, fp, src)

	c.mu.Lock()
	delete(c.pending, fp)
	if p.err == nil && !p.verdict.IsError() {
		c.resolved.Add(fp, p.verdict)
	}
	c.mu.Unlock()
	close(p.done)

	return p.verdict, p.err
}

// scan performs one engine invocation. A failure to open the byte source
// is a transient scan failure, same as an engine error.
func (c *Cache) scan(ctx context.Context, fp Fingerprint, src ByteSource) (Verdict, error) {
	r, size, err := src()
	if err != nil {
		return ScanError(fmt.Sprintf("open content: %v", err)), nil
	}
	defer r.Close()

	c.scans.Add(1)
	verdict := c.engine.Scan(ctx, r, size)
	if verdict.IsError() {
		log.WithFields(log.Fields{
			"path":        fp.Path,
			"fingerprint": fp.String(),
			"reason":      verdict.Reason,
		}).Warn("scan failed, verdict not cached")
	}
	return verdict, nil
}

// Drain rejects new GetOrScan calls and waits for all pending scans until
// ctx expires. Returns the number of scans abandoned at the deadline.
func (c *Cache) Drain(ctx context.Context) int {
	c.draining.Store(true)

	c.mu.Lock()
	waiting := make([]*pendingScan, 0, len(c.pending))
	for _, p := range c.pending {
		waiting = append(waiting, p)
	}
	c.mu.Unlock()

	abandoned := 0
	for _, p := range waiting {
		select {
		case <-p.done:
		case <-ctx.Done():
			abandoned++
		}
	}
	if abandoned > 0 {
		log.WithField("abandoned", abandoned).Warn("drain deadline hit, abandoning in-flight scans")
	}
	return abandoned
}

// Draining reports whether shutdown has begun.
func (c *Cache) Draining() bool { return c.draining.Load() }

// ScanCount returns the number of engine invocations so far.
func (c *Cache) ScanCount() int64 { return c.scans.Load() }

// Len returns the number of resolved entries held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved.Len()
}

// PendingCount returns the number of scans currently in flight.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
