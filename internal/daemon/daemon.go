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

// Package daemon runs the scangate foreground process: it brings up the
// backing mount layers, the scan engine, and the FUSE proxy, then serves
// until a signal orders the shutdown sequence.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"scangate/internal/common"
	"scangate/internal/config"
	"scangate/internal/events"
	"scangate/internal/mountmgr"
	"scangate/internal/scan"
	"scangate/internal/vfs"
)

// DefaultDrainTimeout bounds the wait on in-flight scans at shutdown.
const DefaultDrainTimeout = 10 * time.Second

// proxyServer is the part of the FUSE server the daemon drives.
type proxyServer interface {
	Unmount() error
	Wait()
}

// Daemon owns the whole serving lifecycle. Construct with New, configure
// the exported fields, then Run.
type Daemon struct {
	// LogLevel sets the logging level: trace, debug, info, warn (default: info)
	LogLevel string

	// Debug enables FUSE protocol debugging.
	Debug bool

	// DrainTimeout bounds the shutdown wait on pending scans.
	DrainTimeout time.Duration

	cfg    *config.Config
	lock   *flock.Flock
	stopCh chan struct{}

	// seams for tests
	sys        mountmgr.Sys
	newEngine  func(cfg config.EngineConfig) (scan.Engine, error)
	mountProxy func(mountpoint, source string, gate *vfs.Gate, debug bool) (proxyServer, error)

	mu    sync.Mutex
	cache *scan.Cache
	graph *mountmgr.Graph
}

// New creates a daemon for the given configuration.
func New(cfg *config.Config) *Daemon {
	return &Daemon{
		DrainTimeout: DefaultDrainTimeout,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		sys:          mountmgr.RealSys{},
		newEngine: func(ec config.EngineConfig) (scan.Engine, error) {
			return scan.NewClamd(ec.Network(), ec.Address, ec.Pool, ec.Timeout.Std())
		},
		mountProxy: func(mountpoint, source string, gate *vfs.Gate, debug bool) (proxyServer, error) {
			return vfs.Mount(mountpoint, source, gate, debug)
		},
	}
}

// Stop requests a graceful shutdown, same as the first SIGTERM.
func (d *Daemon) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

// Run serves until stopped. Engine initialization and mount failures are
// fatal and returned; a normal signal-driven shutdown returns nil.
func (d *Daemon) Run() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another scangate instance is already running")
	}
	defer d.lock.Unlock()

	d.setupLogging()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	eventsPath := d.cfg.Events.Path
	if eventsPath == "" {
		eventsPath = DefaultEventsPath()
	}
	journal, err := events.Open(eventsPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	engine, err := d.newEngine(d.cfg.Engine)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrEngineInit, err)
	}
	defer engine.Close()

	cache, err := scan.NewCache(engine, d.cfg.Cache.Capacity)
	if err != nil {
		return err
	}
	gate := vfs.NewGate(cache, scan.NewExclusions(d.cfg.Exclude), journal)

	graph, err := mountmgr.BuildGraph(d.cfg.Layers, mountmgr.NewManager(d.sys, mountmgr.NewLoopAllocator(d.sys)))
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.cache = cache
	d.graph = graph
	d.mu.Unlock()

	ctx := context.Background()
	if err := graph.MountAll(ctx); err != nil {
		return fmt.Errorf("failed to mount layers: %w", err)
	}

	server, err := d.mountProxy(d.cfg.Mountpoint, d.cfg.Source, gate, d.Debug)
	if err != nil {
		if uerr := graph.UnmountAll(ctx); uerr != nil {
			log.WithError(uerr).Error("failed to unmount layers after proxy mount failure")
		}
		return err
	}

	log.WithFields(log.Fields{
		"pid":        os.Getpid(),
		"source":     d.cfg.Source,
		"mountpoint": d.cfg.Mountpoint,
		"layers":     len(d.cfg.Layers),
	}).Info("scangate started")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case <-d.stopCh:
		log.Info("stop requested, shutting down")
	}

	// A second signal abandons the graceful sequence.
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("second signal, forcing immediate unmount")
			if err := server.Unmount(); err != nil {
				log.WithError(err).Error("forced proxy unmount failed")
			}
			forceCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := graph.UnmountAll(forceCtx); err != nil {
				log.WithError(err).Error("forced layer unmount failed")
			}
			os.Exit(1)
		case <-done:
		}
	}()
	defer close(done)

	drainCtx, cancel := context.WithTimeout(ctx, d.DrainTimeout)
	abandoned := cache.Drain(drainCtx)
	cancel()
	if abandoned > 0 {
		journal.Record(ctx, events.KindDrainAbandoned, d.cfg.Mountpoint, "",
			strconv.Itoa(abandoned)+" in-flight scans abandoned at shutdown")
	}

	if err := server.Unmount(); err != nil {
		log.WithError(err).Error("failed to unmount proxy")
	}
	server.Wait()

	if err := graph.UnmountAll(ctx); err != nil {
		return fmt.Errorf("failed to unmount layers: %w", err)
	}

	log.Info("scangate stopped")
	return nil
}

// Cache exposes the verdict cache once Run has constructed it.
func (d *Daemon) Cache() *scan.Cache {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache
}

// Graph exposes the mount graph once Run has constructed it.
func (d *Daemon) Graph() *mountmgr.Graph {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.graph
}

// setupLogging configures the logrus level from LogLevel (case insensitive).
func (d *Daemon) setupLogging() {
	switch strings.ToLower(d.LogLevel) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func (d *Daemon) writePidFile() error {
	return os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// TeardownStale best-effort unmounts everything a crashed instance may have
// left behind: the proxy mountpoint, then every layer mountpoint deepest
// first. Errors are logged, not returned; an already-clean target is fine.
func TeardownStale(cfg *config.Config, sys mountmgr.Sys) {
	if err := sys.Unmount(cfg.Mountpoint); err != nil {
		log.WithError(err).WithField("mountpoint", cfg.Mountpoint).Debug("proxy mountpoint not unmounted")
	} else {
		log.WithField("mountpoint", cfg.Mountpoint).Info("unmounted stale proxy")
	}

	layers := make([]config.LayerConfig, len(cfg.Layers))
	copy(layers, cfg.Layers)
	sort.Slice(layers, func(a, b int) bool {
		return len(layers[a].Mountpoint) > len(layers[b].Mountpoint)
	})
	for _, layer := range layers {
		if err := sys.Unmount(layer.Mountpoint); err != nil {
			log.WithError(err).WithField("layer", layer.Name).Debug("layer not unmounted")
			continue
		}
		log.WithField("layer", layer.Name).Info("unmounted stale layer")
	}
}
