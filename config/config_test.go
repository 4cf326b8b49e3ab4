package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfIsValid(t *testing.T) {
	require.NoError(t, DefaultConf().Validate())
}

func TestFromReaderOverridesDefaults(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(`
[Registry]
  Store = "Scratch"
  VersionSwitching = "synced"
  TxnRetryInterval = "20ms"

[Storage.Memory.Scratch]
  Path = "/tmp/scratch"
`), DefaultConf())
	require.NoError(t, err)

	assert.Equal(t, "Scratch", cfg.Registry.Store)
	assert.Equal(t, SwitchOnSync, cfg.Registry.VersionSwitching)
	assert.Equal(t, Duration(20*time.Millisecond), cfg.Registry.TxnRetryInterval)
	assert.Equal(t, 256, cfg.Registry.ManifestCacheSize)
	assert.Equal(t, "/tmp/scratch", cfg.Storage.Memory["Scratch"].Path)
	assert.Contains(t, cfg.Storage.Postgresql, "Database1")
}

func TestFromReaderRejectsUnknownStore(t *testing.T) {
	_, err := FromReader(strings.NewReader(`
[Registry]
  Store = "Nope"
`), DefaultConf())
	require.Error(t, err)
}

func TestFromReaderRejectsUnknownSwitchingMode(t *testing.T) {
	_, err := FromReader(strings.NewReader(`
[Registry]
  VersionSwitching = "sometimes"
`), DefaultConf())
	require.Error(t, err)
}

func TestEnsureExistsWritesDecodableDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, EnsureExists(path))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConf().Registry, cfg.Registry)

	// A second call leaves the file alone.
	require.NoError(t, EnsureExists(path))
}

func TestFromFileMissingUsesDefaults(t *testing.T) {
	cfg, err := FromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConf(), cfg)
}

func TestDurationText(t *testing.T) {
	var buf bytes.Buffer
	d := Duration(1500 * time.Millisecond)
	text, err := d.MarshalText()
	require.NoError(t, err)
	buf.Write(text)

	var out Duration
	require.NoError(t, out.UnmarshalText(buf.Bytes()))
	assert.Equal(t, d, out)
}
