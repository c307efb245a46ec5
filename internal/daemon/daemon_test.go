package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"scangate/internal/common"
	"scangate/internal/config"
	"scangate/internal/scan"
	"scangate/internal/vfs"
)

type recordingSys struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingSys) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingSys) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recordingSys) LoopAttach(image string, readOnly bool) (string, error) {
	r.record("attach:" + image)
	return "/dev/loop0", nil
}

func (r *recordingSys) LoopDetach(device string) error {
	r.record("detach:" + device)
	return nil
}

func (r *recordingSys) Mount(source, target, fstype string, flags uintptr, data string) error {
	r.record("mount:" + target)
	return nil
}

func (r *recordingSys) Unmount(target string) error {
	r.record("unmount:" + target)
	return nil
}

type fakeProxy struct {
	unmounted atomic.Bool
}

func (p *fakeProxy) Unmount() error {
	p.unmounted.Store(true)
	return nil
}

func (p *fakeProxy) Wait() {}

type nilEngine struct{}

func (nilEngine) Scan(ctx context.Context, r io.Reader, size int64) scan.Verdict {
	_, _ = io.Copy(io.Discard, r)
	return scan.Clean()
}

func (nilEngine) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Source:     t.TempDir(),
		Mountpoint: filepath.Join(t.TempDir(), "proxy"),
		Events:     config.EventsConfig{Path: filepath.Join(t.TempDir(), "events.db")},
		Layers: []config.LayerConfig{
			{Name: "base", Source: "/srv/base", FSType: "ext4", Mountpoint: "/mnt/base"},
			{Name: "data", Source: "/srv/data", FSType: "ext4", Mountpoint: "/mnt/base/data"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, *recordingSys, *fakeProxy) {
	t.Helper()
	t.Setenv("SCANGATE_CONFIG_DIR", t.TempDir())

	sys := &recordingSys{}
	proxy := &fakeProxy{}

	d := New(cfg)
	d.sys = sys
	d.newEngine = func(config.EngineConfig) (scan.Engine, error) { return nilEngine{}, nil }
	d.mountProxy = func(mountpoint, source string, gate *vfs.Gate, debug bool) (proxyServer, error) {
		return proxy, nil
	}
	return d, sys, proxy
}

func TestRunMountsLayersAndShutsDownInOrder(t *testing.T) {
	g := NewWithT(t)

	cfg := testConfig(t)
	d, sys, proxy := newTestDaemon(t, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()

	g.Eventually(func() int {
		graph := d.Graph()
		if graph == nil {
			return 0
		}
		return graph.MountedCount()
	}, "3s", "10ms").Should(Equal(2), "both layers mounted")

	d.Stop()

	var runErr error
	g.Eventually(errCh, "3s").Should(Receive(&runErr))
	g.Expect(runErr).NotTo(HaveOccurred())

	g.Expect(proxy.unmounted.Load()).To(BeTrue(), "proxy unmounted at shutdown")
	g.Expect(d.Graph().MountedCount()).To(BeZero())
	g.Expect(d.Cache().Draining()).To(BeTrue(), "drain flag set before teardown")

	ops := sys.snapshot()
	g.Expect(ops).To(ContainElements("mount:/mnt/base", "mount:/mnt/base/data",
		"unmount:/mnt/base/data", "unmount:/mnt/base"))
	g.Expect(indexOf(ops, "unmount:/mnt/base/data")).To(BeNumerically("<", indexOf(ops, "unmount:/mnt/base")),
		"child layer unmounts before its parent")
}

func TestRunFailsWhenEngineInitFails(t *testing.T) {
	g := NewWithT(t)

	cfg := testConfig(t)
	d, sys, _ := newTestDaemon(t, cfg)
	d.newEngine = func(config.EngineConfig) (scan.Engine, error) {
		return nil, fmt.Errorf("%w: clamd unreachable", common.ErrEngineInit)
	}

	err := d.Run()
	g.Expect(err).To(HaveOccurred())
	g.Expect(errors.Is(err, common.ErrEngineInit)).To(BeTrue())
	g.Expect(sys.snapshot()).To(BeEmpty(), "no layer mounted when the engine cannot start")
}

func TestRunUnwindsLayersWhenProxyMountFails(t *testing.T) {
	g := NewWithT(t)

	cfg := testConfig(t)
	d, sys, _ := newTestDaemon(t, cfg)
	d.mountProxy = func(string, string, *vfs.Gate, bool) (proxyServer, error) {
		return nil, fmt.Errorf("fuse device unavailable")
	}

	err := d.Run()
	g.Expect(err).To(HaveOccurred())
	g.Expect(d.Graph().MountedCount()).To(BeZero())

	ops := sys.snapshot()
	g.Expect(ops).To(ContainElements("unmount:/mnt/base/data", "unmount:/mnt/base"))
}

func TestRunRejectsSecondInstance(t *testing.T) {
	g := NewWithT(t)

	cfg := testConfig(t)
	d, _, _ := newTestDaemon(t, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()
	g.Eventually(func() interface{} { return d.Graph() }, "3s", "10ms").ShouldNot(BeNil())
	defer d.Stop()

	second := New(cfg)
	err := second.Run()
	g.Expect(err).To(MatchError(ContainSubstring("already running")))
}

func TestDrainAbandonsStuckScan(t *testing.T) {
	g := NewWithT(t)

	gateCh := make(chan struct{})
	engine := &blockingEngine{gate: gateCh}
	cache, err := scan.NewCache(engine, 8)
	g.Expect(err).NotTo(HaveOccurred())

	src := func() (io.ReadCloser, int64, error) {
		return io.NopCloser(nil), 0, nil
	}
	go cache.GetOrScan(context.Background(), scan.Fingerprint{Path: "/p", Size: 1, MtimeNS: 1}, src)
	g.Eventually(cache.PendingCount, "3s", "10ms").Should(Equal(1))

	drainCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	g.Expect(cache.Drain(drainCtx)).To(Equal(1), "stuck scan abandoned at deadline")
	close(gateCh)
}

type blockingEngine struct {
	gate chan struct{}
}

func (e *blockingEngine) Scan(ctx context.Context, r io.Reader, size int64) scan.Verdict {
	<-e.gate
	return scan.Clean()
}

func (e *blockingEngine) Close() error { return nil }

func TestTeardownStaleUnmountsDeepestFirst(t *testing.T) {
	g := NewWithT(t)

	cfg := testConfig(t)
	sys := &recordingSys{}
	TeardownStale(cfg, sys)

	ops := sys.snapshot()
	g.Expect(ops[0]).To(Equal("unmount:" + cfg.Mountpoint))
	g.Expect(indexOf(ops, "unmount:/mnt/base/data")).To(BeNumerically("<", indexOf(ops, "unmount:/mnt/base")))
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}
