package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scangate/internal/common"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
source: /data/real
mountpoint: /mnt/gate
engine:
  address: 127.0.0.1:3310
  pool: 2
  timeout: 10s
cache:
  capacity: 128
events:
  path: /var/lib/scangate/events.db
exclude:
  - "*.iso"
  - "build/"
layers:
  - name: base
    image: /var/lib/scangate/base.img
    mountpoint: /data/real
  - name: nested
    image: /var/lib/scangate/nested.img
    fstype: xfs
    mountpoint: /data/real/nested
    readonly: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/real", cfg.Source)
	assert.Equal(t, "/mnt/gate", cfg.Mountpoint)
	assert.Equal(t, "tcp", cfg.Engine.Network())
	assert.Equal(t, 2, cfg.Engine.Pool)
	assert.Equal(t, 10*time.Second, cfg.Engine.Timeout.Std())
	assert.Equal(t, 128, cfg.Cache.Capacity)
	assert.Equal(t, []string{"*.iso", "build/"}, cfg.Exclude)

	require.Len(t, cfg.Layers, 2)
	assert.Equal(t, "ext4", cfg.Layers[0].FSType, "default fstype")
	assert.Equal(t, "xfs", cfg.Layers[1].FSType)
	assert.True(t, cfg.Layers[1].ReadOnly)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
source: /data/real
mountpoint: /mnt/gate
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/run/clamav/clamd.ctl", cfg.Engine.Address)
	assert.Equal(t, "unix", cfg.Engine.Network())
	assert.Equal(t, 4, cfg.Engine.Pool)
	assert.Equal(t, 30*time.Second, cfg.Engine.Timeout.Std())
	assert.Equal(t, 4096, cfg.Cache.Capacity)
	assert.Empty(t, cfg.Events.Path)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"relative source", "source: data\nmountpoint: /mnt/gate\n"},
		{"missing mountpoint", "source: /data\n"},
		{"mountpoint under source", "source: /data\nmountpoint: /data/mnt\n"},
		{"duplicate layer name", `
source: /data
mountpoint: /mnt/gate
layers:
  - {name: a, image: /img/a.img, mountpoint: /data}
  - {name: a, image: /img/b.img, mountpoint: /data/b}
`},
		{"duplicate mountpoint", `
source: /data
mountpoint: /mnt/gate
layers:
  - {name: a, image: /img/a.img, mountpoint: /data}
  - {name: b, image: /img/b.img, mountpoint: /data}
`},
		{"layer without backing", `
source: /data
mountpoint: /mnt/gate
layers:
  - {name: a, mountpoint: /data}
`},
		{"relative layer mountpoint", `
source: /data
mountpoint: /mnt/gate
layers:
  - {name: a, image: /img/a.img, mountpoint: data}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.content))
			assert.True(t, errors.Is(err, common.ErrInvalidConfig), "got: %v", err)
		})
	}
}

func TestBadDuration(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
source: /data
mountpoint: /mnt/gate
engine:
  timeout: soon
`))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
