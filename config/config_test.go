package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.NotEmpty(t, firstCfg.DeviceName)
	assert.Equal(t, PortModeAutomatic, firstCfg.PortMode)
	assert.Equal(t, 0, firstCfg.ListeningPort)
	assert.Equal(t, filepath.Join(tempDir, "config.json"), firstPath)
	assert.Equal(t, DefaultTransferSettings(), firstCfg.Transfer)
	assert.Equal(t, DefaultDiscoverySettings(), firstCfg.Discovery)

	secondCfg, secondPath, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, firstPath, secondPath)
	assert.Equal(t, firstCfg.Ed25519PrivateKeyPath, secondCfg.Ed25519PrivateKeyPath)
	assert.Equal(t, firstCfg.Transfer, secondCfg.Transfer)

	_, err = os.Stat(filepath.Join(tempDir, "keys"))
	assert.NoError(t, err)
}

func TestLoadOrCreateNormalizesLegacyPortModeFromExistingPort(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, EnsureDataDirectories(tempDir))

	legacy := &DeviceConfig{
		DeviceName:    "Legacy",
		ListeningPort: 9999,
	}
	require.NoError(t, Save(ConfigPath(tempDir), legacy))

	cfg, _, err := LoadOrCreateAt(tempDir)
	require.NoError(t, err)
	assert.Equal(t, PortModeFixed, cfg.PortMode)
	assert.Equal(t, 9999, cfg.ListeningPort)
	assert.Equal(t, 9999, cfg.ReceiverPort())
	assert.Equal(t, filepath.Join(tempDir, "keys", "ed25519_private.pem"), cfg.Ed25519PrivateKeyPath)
	assert.Equal(t, DefaultDiscoverySettings(), cfg.Discovery)
	assert.Equal(t, 10*time.Second, cfg.Transfer.ConnectTimeout.Std())
}

func TestDurationAcceptsStringAndNanoseconds(t *testing.T) {
	var fromText Duration
	require.NoError(t, fromText.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, fromText.Std())

	var fromInt Duration
	require.NoError(t, fromInt.UnmarshalJSON([]byte(`2000000000`)))
	assert.Equal(t, 2*time.Second, fromInt.Std())

	raw, err := Duration(3 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"3s"`, string(raw))

	var bad Duration
	assert.Error(t, bad.UnmarshalJSON([]byte(`"soon"`)))
}

func TestLogLevelEnvOverridesPersistedValue(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(LogLevelEnv, "debug")

	cfg, cfgPath, err := LoadOrCreateAt(tempDir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	persisted, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "info", persisted.LogLevel)
}

func TestReceivedDirPrefersConfiguredDownloadPath(t *testing.T) {
	cfg := defaultConfig("/data")
	assert.Equal(t, filepath.Join("/data", "received"), cfg.ReceivedDir("/data"))

	cfg.Transfer.DefaultDownloadPath = "/downloads"
	assert.Equal(t, "/downloads", cfg.ReceivedDir("/data"))
}
