package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "repmgrd.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFromFileDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id = 1
conninfo = "host=localhost dbname=repmgr"
`)

	conf, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, int64(1), conf.NodeID)
	require.Equal(t, FailoverModeManual, conf.FailoverMode)
	require.Equal(t, 5, conf.Reconnect.MaxAttempts)
	require.Equal(t, Duration(1), conf.Reconnect.Interval)
	require.Equal(t, Duration(60), conf.ElectionTimeout)
}

func TestFromFileEnvOverride(t *testing.T) {
	path := writeConfig(t, `
node_id = 1
conninfo = "host=localhost dbname=repmgr"
`)

	require.NoError(t, os.Setenv("REPMGRD_CONNINFO_PASSWORD", "s3cr3t"))
	defer os.Unsetenv("REPMGRD_CONNINFO_PASSWORD")

	conf, err := FromFile(path)
	require.NoError(t, err)
	require.Contains(t, conf.Conninfo, "password=s3cr3t")
}

func TestValidate(t *testing.T) {
	t.Run("manual mode needs no promote/follow commands", func(t *testing.T) {
		conf := Config{NodeID: 1, Conninfo: "host=localhost", FailoverMode: FailoverModeManual}
		require.NoError(t, conf.Validate())
	})

	t.Run("automatic mode requires a promote command", func(t *testing.T) {
		conf := Config{NodeID: 1, Conninfo: "host=localhost", FailoverMode: FailoverModeAutomatic, FollowCommand: "repmgr standby follow"}
		require.ErrorIs(t, conf.Validate(), errMissingPromoteCommand)
	})

	t.Run("automatic mode requires a follow command", func(t *testing.T) {
		conf := Config{NodeID: 1, Conninfo: "host=localhost", FailoverMode: FailoverModeAutomatic, PromoteCommand: "repmgr standby promote"}
		require.ErrorIs(t, conf.Validate(), errMissingFollowCommand)
	})

	t.Run("automatic mode accepts service_promote_command in place of promote_command", func(t *testing.T) {
		conf := Config{
			NodeID: 1, Conninfo: "host=localhost", FailoverMode: FailoverModeAutomatic,
			ServicePromoteCommand: "systemctl promote", FollowCommand: "repmgr standby follow",
		}
		require.NoError(t, conf.Validate())
	})

	t.Run("rejects a missing node id", func(t *testing.T) {
		conf := Config{Conninfo: "host=localhost", FailoverMode: FailoverModeManual}
		require.Error(t, conf.Validate())
	})

	t.Run("rejects an unknown failover mode", func(t *testing.T) {
		conf := Config{NodeID: 1, Conninfo: "host=localhost", FailoverMode: "bogus"}
		require.Error(t, conf.Validate())
	})
}
