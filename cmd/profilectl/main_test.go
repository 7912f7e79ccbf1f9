package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedThenSweep(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "profiles.db"))

	catalog := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(`
platforms:
  - id: netflix
    name: Netflix
    has_profiles: true
    max_profiles_per_account: 2
accounts:
  - id: nf-1
    platform_id: netflix
offers:
  - id: solo
    name: Solo
    max_profiles: 1
    platform_offers:
      - platform_id: netflix
`), 0o644))

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")

	out, err = run(t, "seed", "--file", catalog)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 platforms, 1 accounts, 2 slots")

	out, err = run(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "activated=0")
}

func TestSeed_RequiresFile(t *testing.T) {
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "profiles.db"))
	_, err := run(t, "seed")
	assert.Error(t, err)
}

func TestRatesRefresh_NoURL(t *testing.T) {
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "profiles.db"))
	t.Setenv("RATES_URL", "")
	_, err := run(t, "rates", "refresh")
	assert.ErrorContains(t, err, "not configured")
}
