package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, cfg.Detector.LockTTL)
	require.Equal(t, time.Hour, cfg.Detector.Window)
	require.Equal(t, "redis", cfg.Store.Driver)
}

func TestLockTTLValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "zero", body: "detector:\n  lock_ttl: 0s\n", want: "detector.lock_ttl must be greater than zero"},
		{name: "negative", body: "detector:\n  lock_ttl: -1m\n", want: "detector.lock_ttl must be greater than zero"},
		{name: "shorter than run timeout", body: "detector:\n  lock_ttl: 30s\nscheduler:\n  run_timeout: 50s\n", want: "must cover scheduler.run_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.ErrorContains(t, err, tc.want)
		})
	}

	cfg, err := Load(writeConfig(t, "detector:\n  lock_ttl: 90s\n"))
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Detector.LockTTL)
}
