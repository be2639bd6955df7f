package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withConfig swaps the global configuration for one test and restores it
func withConfig(t *testing.T, fn func()) {
	t.Helper()
	saved := *Config
	defer func() { *Config = saved }()
	fn()
}

func TestDefaultsValidate(t *testing.T) {
	withConfig(t, func() {
		require.NoError(t, Validate())
	})
}

func TestLoadFromTOML(t *testing.T) {
	withConfig(t, func() {
		path := filepath.Join(t.TempDir(), "config.toml")
		content := `
instance_id = 77

[follower]
server_name = "hive-prod"
poll_interval_ms = 250
batch_size = 50
sync_on_create = true
retry_backoff_ms = 1000

[catalog]
source = "http"
url = "http://catalog:9083/notifications"
request_timeout_ms = 3000

[store]
backend = "pebble"
path = "/var/lib/sentry-core/pebble"

[filter]
databases = ["sales_*"]
tables = ["orders"]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		require.NoError(t, Load(path))

		assert.Equal(t, uint64(77), Config.InstanceID)
		assert.Equal(t, "hive-prod", Config.Follower.ServerName)
		assert.Equal(t, 250, Config.Follower.PollIntervalMS)
		assert.True(t, Config.Follower.SyncOnCreate)
		assert.Equal(t, StorePebble, Config.Store.Backend)
		assert.Equal(t, []string{"sales_*"}, Config.Filter.Databases)
		require.NoError(t, Validate())
	})
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	withConfig(t, func() {
		Config.InstanceID = 5
		require.NoError(t, Load("/nonexistent/config.toml"))
		assert.Equal(t, "server1", Config.Follower.ServerName)
		assert.Equal(t, uint64(5), Config.InstanceID)
	})
}

func TestValidateRejectsEmptyServerName(t *testing.T) {
	withConfig(t, func() {
		Config.Follower.ServerName = ""
		assert.ErrorContains(t, Validate(), "server_name")
	})
}

func TestValidateRejectsBadBatchSize(t *testing.T) {
	withConfig(t, func() {
		Config.Follower.BatchSize = 0
		assert.Error(t, Validate())
	})
}

func TestValidateCatalogSourceRequirements(t *testing.T) {
	withConfig(t, func() {
		Config.Catalog.Source = CatalogHTTP
		Config.Catalog.URL = ""
		assert.ErrorContains(t, Validate(), "url")
	})

	withConfig(t, func() {
		Config.Catalog.Source = CatalogNATS
		Config.Catalog.NatsURL = ""
		assert.ErrorContains(t, Validate(), "nats_url")
	})

	withConfig(t, func() {
		Config.Catalog.Source = CatalogKafka
		Config.Catalog.Brokers = nil
		assert.ErrorContains(t, Validate(), "broker")
	})

	withConfig(t, func() {
		Config.Catalog.Source = "smoke-signal"
		assert.ErrorContains(t, Validate(), "invalid catalog source")
	})
}

func TestValidateStoreBackendRequirements(t *testing.T) {
	withConfig(t, func() {
		Config.Store.Backend = StoreSQLite
		Config.Store.Path = ""
		assert.ErrorContains(t, Validate(), "path")
	})

	withConfig(t, func() {
		Config.Store.Backend = StoreMemory
		Config.Store.Path = ""
		assert.NoError(t, Validate())
	})

	withConfig(t, func() {
		Config.Store.Backend = "clay-tablet"
		assert.ErrorContains(t, Validate(), "invalid store backend")
	})
}

func TestValidatePortRanges(t *testing.T) {
	withConfig(t, func() {
		Config.Telemetry.Enabled = true
		Config.Telemetry.Port = 0
		assert.ErrorContains(t, Validate(), "telemetry port")
	})

	withConfig(t, func() {
		Config.Admin.Enabled = true
		Config.Admin.Port = 99999
		assert.ErrorContains(t, Validate(), "admin port")
	})
}
