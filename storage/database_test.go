package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	assert.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	assert.Equal(t, len(migrations), version)

	var journalMode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	for _, table := range []string{"trusted_peers", "key_rotation_events"} {
		var count int
		require.NoError(t, store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
			table,
		).Scan(&count))
		assert.Equal(t, 1, count, "table %q", table)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dataDir := t.TempDir()
	first, _, err := Open(dataDir)
	require.NoError(t, err)
	mustPinPeer(t, first, "peer-1", "Alice", "fp-1")
	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "close is idempotent")

	second, _, err := Open(dataDir)
	require.NoError(t, err)
	defer second.Close()

	peer, err := second.GetTrustedPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", peer.DeviceName)
}
