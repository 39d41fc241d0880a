package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "casorm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

const validConfig = `
regions:
  - {name: orm, provider: bigcache, shards: 16}
  - {name: lists, provider: sturdyc, capacity: 100, shards: 4}
entities:
  customer: {region: orm}
collections:
  customer.Invoices: {region: lists, strategy: nonstrict}
`

func TestConfigValidate(t *testing.T) {
	path := writeConfig(t, validConfig)

	out, err := run(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 2 region(s) [orm, lists]")

	out, err = run(t, "config", "validate", "--config", path, "--format", "json")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, true, res["valid"])
	assert.Equal(t, float64(1), res["collections"])
}

func TestConfigValidateInvalid(t *testing.T) {
	path := writeConfig(t, `regions: [{name: a, provider: memcached}]`)
	_, err := run(t, "config", "validate", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))

	_, err = run(t, "config", "validate", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "config", "validate", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestConfigShowRedactsPassword(t *testing.T) {
	path := writeConfig(t, `
redis: {addr: "localhost:6379", password: hunter2}
regions: [{name: a}]
`)
	out, err := run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "***")
	assert.Contains(t, out, "provider: bigcache")
}

func TestRegionList(t *testing.T) {
	path := writeConfig(t, validConfig)
	out, err := run(t, "region", "list", "--config", path, "--format", "json")
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "orm", rows[0]["name"])
	assert.Equal(t, "sturdyc", rows[1]["provider"])
}

func TestRegionEvictRefusesLocalRegions(t *testing.T) {
	path := writeConfig(t, validConfig)

	_, err := run(t, "region", "evict-all", "orm", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
	assert.Contains(t, err.Error(), "process-local")

	_, err = run(t, "region", "evict-all", "nope", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown region")

	_, err = run(t, "region", "evict", "orm", "--config", path)
	require.Error(t, err, "--class and --id are required")
}
