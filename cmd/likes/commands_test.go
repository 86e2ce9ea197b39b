package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/koopa0/system-design/14-like-counter/internal/client"
	"github.com/koopa0/system-design/14-like-counter/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, dataPath string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--data", dataPath, "--env", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func setEnv(t *testing.T, domain string) {
	t.Helper()
	t.Setenv(client.EnvAPIKey, testutils.TestAPIKey)
	t.Setenv(client.EnvAuthDomain, domain)
	t.Setenv(client.EnvProjectID, testutils.TestProjectID)
	t.Setenv(client.EnvAppID, "cli")
	t.Setenv(client.EnvAttestationSiteKey, "")
	t.Setenv(client.EnvEnabled, "true")
	t.Setenv(client.EnvRealtime, "true")
	t.Setenv(client.EnvDebug, "false")
}

func TestCLI_ToggleAndShow(t *testing.T) {
	ts := testutils.NewTestServer(t, testutils.DefaultTestConfig())
	setEnv(t, ts.URL)
	data := filepath.Join(t.TempDir(), "likes.db")

	out, err := execute(t, data, "toggle")
	require.NoError(t, err)
	assert.Contains(t, out, "♥ 1")
	assert.Contains(t, out, "Thanks for your like!")

	out, err = execute(t, data, "show")
	require.NoError(t, err)
	assert.Contains(t, out, "♥ 1", "liked flag survives across runs")

	out, err = execute(t, data, "toggle")
	require.NoError(t, err)
	assert.Contains(t, out, "♡ 0")
}

func TestCLI_Status(t *testing.T) {
	ts := testutils.NewTestServer(t, testutils.DefaultTestConfig())
	setEnv(t, ts.URL)

	out, err := execute(t, filepath.Join(t.TempDir(), "likes.db"), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "initialized: true")
	assert.Contains(t, out, "attested:    false")
}

func TestCLI_MissingConfiguration(t *testing.T) {
	setEnv(t, "")
	data := filepath.Join(t.TempDir(), "likes.db")

	out, err := execute(t, data, "status")
	require.Error(t, err)
	assert.Contains(t, out, client.EnvAuthDomain)

	out, err = execute(t, data, "show")
	require.NoError(t, err)
	assert.Contains(t, out, "likes are unavailable")
}
