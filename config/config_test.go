package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.True(t, cfg.AutoMergeEnabled)
	assert.Equal(t, "NHID", cfg.MasterIdentifierDomain)
	assert.Equal(t, "db/pg", cfg.DatabaseMigrationFolderPath)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 200, cfg.FlagDuplicatesPageSize)
	assert.Equal(t, []string{"Patient", "Practitioner", "Organization"}, cfg.GovernedEntityTypes)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORE_DRIVER=memory\nRECONCILE_INTERVAL=2m\nGOVERNED_ENTITY_TYPES=Patient,Device\n"), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"STORE_DRIVER", "RECONCILE_INTERVAL", "GOVERNED_ENTITY_TYPES"} {
			_ = os.Unsetenv(k)
		}
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, []string{"Patient", "Device"}, cfg.GovernedEntityTypes)
}
