package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadJob(t *testing.T) {
	in, err := readJob(strings.NewReader(`{"project_id":"p1","template_ref":"welcome","recipients":[{"address":"+1"}]}`), "-")
	require.NoError(t, err)
	require.Equal(t, "p1", in.ProjectID)
	require.Len(t, in.Recipients, 1)

	_, err = readJob(strings.NewReader(`{"project":"p1"}`), "-")
	require.Error(t, err)

	_, err = readJob(nil, filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestEnqueueAndSweepWithMemoryStore(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("logging:\n  level: error\nstorage:\n  driver: memory\n"), 0o600))
	job := filepath.Join(dir, "job.json")
	require.NoError(t, os.WriteFile(job, []byte(`{"project_id":"p1","template_ref":"welcome","recipients":[{"address":"+1"}]}`), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"enqueue", "--config", cfg, "--env-file", filepath.Join(dir, "none.env"), "--file", job})
	require.NoError(t, root.Execute())
	require.NotEmpty(t, strings.TrimSpace(out.String()))

	root = newRootCmd()
	root.SetArgs([]string{"sweep", "--config", cfg, "--env-file", filepath.Join(dir, "none.env")})
	require.NoError(t, root.Execute())
}

func TestMigrateMemoryIsNoop(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{"storage":{"driver":"memory"}}`), 0o600))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"migrate", "--config", cfg, "--env-file", filepath.Join(dir, "none.env")})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "applied 0 migration(s)")
}
