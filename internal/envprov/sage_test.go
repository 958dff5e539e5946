package envprov

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mllaunch/internal/conda"
	"mllaunch/internal/config"
	"mllaunch/internal/gpu"
)

type fakeGit struct {
	clones []string
	err    error
}

func (g *fakeGit) Clone(_ context.Context, dir, url, _ string) error {
	g.clones = append(g.clones, url)
	if g.err != nil {
		return g.err
	}
	return os.MkdirAll(filepath.Join(dir, ".git"), 0o755)
}
func (g *fakeGit) AddRemote(string, string, string) error             { return nil }
func (g *fakeGit) Head(string) (string, error)                        { return "", nil }
func (g *fakeGit) Branch(string) (string, error)                      { return "", nil }
func (g *fakeGit) Pull(context.Context, string, string, string) error { return nil }

func withLookPath(t *testing.T, fn func(string) (string, error)) {
	t.Helper()
	old := lookPath
	lookPath = fn
	t.Cleanup(func() { lookPath = old })
}

func fakeCUDA(t *testing.T) string {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "bin", "nvcc"), nil, 0o755))
	return home
}

func sageSetup(t *testing.T) (*fakeTools, *Provisioner, *fakeGit, conda.Env) {
	f := newFakeTools(t)
	env := conda.Env{Name: "wan2gp", Prefix: f.prefix("wan2gp")}
	require.NoError(t, os.MkdirAll(env.Prefix, 0o755))
	g := &fakeGit{}
	p := newProvisioner(t, f, nil)
	p.Git = g
	return f, p, g, env
}

func TestMaxJobs(t *testing.T) {
	assert.Equal(t, 1, MaxJobs(1, 0))
	assert.Equal(t, 1, MaxJobs(2, 0))
	assert.Equal(t, 4, MaxJobs(8, 0))
	assert.Equal(t, 8, MaxJobs(64, 0))
	assert.Equal(t, 3, MaxJobs(64, 3))
}

func TestBuildSageNotRequested(t *testing.T) {
	_, p, _, env := sageSetup(t)
	r := p.BuildSage(context.Background(), SageRequest{Version: config.SageNone, Env: env})
	assert.False(t, r.Available())
	assert.Equal(t, "not requested", r.Skipped)
}

func TestBuildSageAlreadyInstalled(t *testing.T) {
	f, p, g, env := sageSetup(t)
	r := p.BuildSage(context.Background(), SageRequest{Version: config.SageV2, Env: env})
	assert.True(t, r.Already)
	assert.Empty(t, g.clones)
	assert.False(t, f.called("pip install"))
}

func TestBuildSageWithoutToolchain(t *testing.T) {
	f, p, _, env := sageSetup(t)
	f.fail["-c import sageattention"] = true
	withLookPath(t, func(string) (string, error) { return "", errors.New("not found") })
	r := p.BuildSage(context.Background(), SageRequest{Version: config.SageV2, Env: env})
	assert.False(t, r.Available())
	assert.Equal(t, FailureToolchain, r.Failure)
}

func TestBuildSageWithoutTorch(t *testing.T) {
	f, p, _, env := sageSetup(t)
	f.fail["-c import sageattention"] = true
	f.fail["-c import torch"] = true
	r := p.BuildSage(context.Background(), SageRequest{Version: config.SageV2, Env: env, CUDAHome: fakeCUDA(t)})
	assert.Equal(t, FailureMissingFramework, r.Failure)
	assert.NotEmpty(t, r.Failure.Hint())
}

func TestBuildSageV3UsesSubdirAndFallbackArch(t *testing.T) {
	f, p, g, env := sageSetup(t)
	f.fail["-c import sageattn3"] = true
	work := t.TempDir()
	r := p.BuildSage(context.Background(), SageRequest{
		Version:  config.SageV3,
		Env:      env,
		GPU:      gpu.Profile{Vendor: gpu.VendorNVIDIA, Model: "mystery"},
		CUDAHome: fakeCUDA(t),
		WorkDir:  work,
	})
	assert.True(t, r.Built)
	assert.Equal(t, gpu.FallbackArchList, r.ArchList)
	assert.Equal(t, []string{SageRepo}, g.clones)
	assert.Equal(t, filepath.Join(p.LogDir, "sage_build.log"), r.LogPath)
	assert.FileExists(t, r.LogPath)
	require.True(t, f.called("pip install --no-build-isolation"))
}

func TestBuildSageFailureIsClassifiedNotFatal(t *testing.T) {
	f, p, _, env := sageSetup(t)
	f.fail["-c import sageattention"] = true
	f.fail["-m pip install --no-build-isolation"] = true
	f.out["-m pip install --no-build-isolation"] = "nvcc fatal : Unsupported gpu architecture 'compute_120'"
	r := p.BuildSage(context.Background(), SageRequest{
		Version:  config.SageV2,
		Env:      env,
		GPU:      gpu.Profile{Vendor: gpu.VendorNVIDIA, ComputeCaps: []string{"8.6"}},
		CUDAHome: fakeCUDA(t),
		WorkDir:  t.TempDir(),
	})
	assert.False(t, r.Available())
	assert.Equal(t, FailureToolchain, r.Failure)
	assert.Equal(t, "8.6", r.ArchList)
	assert.Contains(t, r.Describe(), "unavailable")
}

func TestClassifyBuildFailure(t *testing.T) {
	assert.Equal(t, FailureMissingFramework, ClassifyBuildFailure("ModuleNotFoundError: No module named 'torch'"))
	assert.Equal(t, FailureToolchain, ClassifyBuildFailure("OSError: CUDA_HOME environment variable is not set"))
	assert.Equal(t, FailureUnknown, ClassifyBuildFailure("Segmentation fault"))
}
