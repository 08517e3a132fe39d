// config_test.go tests config files
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileToTest is a relative path to the configuration file to test (ie. custody/cmd/conf.json)
var fileToTest string = "../../cmd/conf.json"

// TestConfig extracts config from a file and checks values loaded
func TestConfig(t *testing.T) {
	conf, err := ExtractConfiguration(fileToTest)
	require.NoError(t, err)

	assert.Equal(t, "3030", conf.Port)
	assert.Equal(t, "sepolia", conf.Chain.Network)
	assert.Equal(t, int64(11155111), conf.Chain.ChainID)
	assert.Equal(t, Duration(4*time.Second), conf.Chain.PollInterval)
	assert.Equal(t, Duration(10*time.Minute), conf.Chain.ConfirmTimeout)
	assert.Equal(t, Duration(30*time.Second), conf.BalanceTTL)
	assert.Equal(t, Duration(5*time.Minute), conf.ReconcileInterval)
	assert.Equal(t, DispatchLocal, conf.Dispatch)
}

func TestDefaults(t *testing.T) {
	conf, err := ExtractConfiguration("")
	require.NoError(t, err)

	assert.Equal(t, DBTypeDefault, conf.DBType)
	assert.Equal(t, ChainDefault, conf.Chain)
	assert.Equal(t, BalanceTTLDefault, conf.BalanceTTL)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CUSTODY_PORT", "8080")
	t.Setenv("CUSTODY_CHAINID", "1")
	t.Setenv("CUSTODY_CONFIRMTIMEOUT", "90")
	t.Setenv("CUSTODY_BALANCETTL", "1m")
	t.Setenv("CUSTODY_DISPATCH", DispatchBroker)

	conf, err := ExtractConfiguration(fileToTest)
	require.NoError(t, err)

	assert.Equal(t, "8080", conf.Port)
	assert.Equal(t, int64(1), conf.Chain.ChainID)
	assert.Equal(t, Duration(90*time.Second), conf.Chain.ConfirmTimeout)
	assert.Equal(t, Duration(time.Minute), conf.BalanceTTL)
	assert.Equal(t, DispatchBroker, conf.Dispatch)
}

func TestBadValues(t *testing.T) {
	t.Run("chain id", func(t *testing.T) {
		t.Setenv("CUSTODY_CHAINID", "sepolia")
		_, err := ExtractConfiguration("")
		assert.Error(t, err)
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("CUSTODY_POLLINTERVAL", "often")
		_, err := ExtractConfiguration("")
		assert.Error(t, err)
	})
	t.Run("dispatch", func(t *testing.T) {
		t.Setenv("CUSTODY_DISPATCH", "carrier-pigeon")
		_, err := ExtractConfiguration("")
		assert.Error(t, err)
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := ExtractConfiguration(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
	t.Run("bad json", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(f, []byte(`{"port": 3030`), 0o600))
		_, err := ExtractConfiguration(f)
		assert.Error(t, err)
	})
}

func TestStringRedactsSecrets(t *testing.T) {
	conf := ServiceConfig{MasterKey: strings.Repeat("ab", 32), Redis: RedisConfig{Password: "hunter2"}}
	s := conf.String()
	assert.NotContains(t, s, "abab")
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "****")

	assert.ErrorIs(t, conf.CheckMasterKey(), nil)
	assert.ErrorIs(t, ServiceConfig{}.CheckMasterKey(), ErrMasterKey)
}
