package conda

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mllaunch/internal/executil"
)

type fakeRunner struct {
	out   map[string]string
	fail  map[string]bool
	calls []string
}

func (f *fakeRunner) Run(_ context.Context, c executil.Cmd) (executil.Result, error) {
	key := strings.Join(c.Args, " ")
	f.calls = append(f.calls, key)
	for prefix, failed := range f.fail {
		if failed && strings.HasPrefix(key, prefix) {
			return executil.Result{Output: []byte("boom"), ExitCode: 1}, errors.New("exit status 1")
		}
	}
	for prefix, out := range f.out {
		if strings.HasPrefix(key, prefix) {
			return executil.Result{Output: []byte(out)}, nil
		}
	}
	return executil.Result{}, nil
}

func withLookPath(t *testing.T, fn func(string) (string, error)) {
	t.Helper()
	old := lookPath
	lookPath = fn
	t.Cleanup(func() { lookPath = old })
}

func TestDetectPrefersPath(t *testing.T) {
	withLookPath(t, func(string) (string, error) { return "/usr/local/bin/conda", nil })
	d, err := Detect("/nonexistent/conda", "")
	require.NoError(t, err)
	assert.Equal(t, Detection{Exe: "/usr/local/bin/conda", FromPath: true}, d)
}

func TestDetectFallback(t *testing.T) {
	withLookPath(t, func(string) (string, error) { return "", errors.New("not found") })
	dir := t.TempDir()
	exe := filepath.Join(dir, "conda")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	d, err := Detect(exe, "")
	require.NoError(t, err)
	assert.Equal(t, exe, d.Exe)
	assert.False(t, d.FromPath)
}

func TestDetectNeitherGivesRemediation(t *testing.T) {
	withLookPath(t, func(string) (string, error) { return "", errors.New("not found") })
	_, err := Detect(filepath.Join(t.TempDir(), "conda"), "/opt/forge_config.sh")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	lines := nf.Remediation()
	assert.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, strings.Join(lines, "\n"), "/opt/forge_config.sh")
}

func TestListAndFind(t *testing.T) {
	r := &fakeRunner{out: map[string]string{
		"env list": `{"envs": ["/home/u/miniconda3", "/home/u/miniconda3/envs/sd-forge", "/home/u/miniconda3/envs/wan2gp"]}`,
	}}
	c := New("conda", r)
	envs, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, "base", envs[0].Name)
	e, ok, err := c.Find(context.Background(), "wan2gp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/home/u/miniconda3/envs/wan2gp", e.Prefix)
	_, ok, err = c.Find(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSkipsBanner(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"env list": "WARNING: something\n{\"envs\": []}"}}
	envs, err := New("conda", r).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestRemoveError(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{"env remove": true}}
	err := New("conda", r).Remove(context.Background(), "x")
	assert.Error(t, err)
}

func TestEnvVars(t *testing.T) {
	e := Env{Name: "sd-forge", Prefix: "/c/envs/sd-forge"}
	v := e.Vars("/usr/bin")
	assert.Equal(t, "/c/envs/sd-forge/bin:/usr/bin", v["PATH"])
	assert.Equal(t, "/c/envs/sd-forge", v["CONDA_PREFIX"])
	assert.Equal(t, "sd-forge", v["CONDA_DEFAULT_ENV"])
	assert.Equal(t, "/c/envs/sd-forge/bin/python", e.Python())
}
