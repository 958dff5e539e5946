package launch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mllaunch/internal/conda"
	"mllaunch/internal/config"
	"mllaunch/internal/gpu"
	"mllaunch/internal/paths"
	"mllaunch/internal/variants"
)

func mustVariant(t *testing.T, name string) variants.Descriptor {
	d, err := variants.Lookup(name)
	require.NoError(t, err)
	return d
}

func TestBuildPlanForge(t *testing.T) {
	t.Setenv("OMP_NUM_THREADS", "")
	os.Unsetenv("OMP_NUM_THREADS")
	env := conda.Env{Name: "sd-forge", Prefix: "/opt/conda/envs/sd-forge"}
	p := BuildPlan(Input{
		Variant: mustVariant(t, "forge"),
		RepoDir: "/srv/forge",
		Env:     env,
		Paths: paths.Resolved{
			Models: paths.Value{Path: "/data/models", Source: paths.FromFlag},
			Temp:   paths.Value{Path: "/scratch/tmp", Source: paths.FromSettings},
		},
		Host:            "0.0.0.0",
		Port:            7860,
		Sage:            config.SageV2,
		GPU:             gpu.Profile{Vendor: gpu.VendorNVIDIA, ComputeCaps: []string{"8.6", "8.9"}},
		CUDAHome:        "/usr/local/cuda",
		DisableTcmalloc: true,
		HFToken:         "hf_x",
		Passthrough:     []string{"--xformers", "--theme", "dark"},
		NumCPU:          12,
	})
	assert.Equal(t, env.Python(), p.Path)
	assert.Equal(t, []string{
		"launch.py", "--listen", "--port", "7860",
		"--ckpt-dir", "/data/models/Stable-diffusion",
		"--lora-dir", "/data/models/Lora",
		"--vae-dir", "/data/models/VAE",
		"--use-sage-attention",
		"--xformers", "--theme", "dark",
	}, p.Args)
	assert.Equal(t, "/srv/forge/tmp/restart", p.RestartMarker)
	assert.Equal(t, "tmp/restart", p.Env["SD_WEBUI_RESTART"])
	for _, k := range []string{"TMPDIR", "TEMP", "TMP", "GRADIO_TEMP_DIR"} {
		assert.Equal(t, "/scratch/tmp", p.Env[k], k)
	}
	assert.Equal(t, "/usr/local/cuda", p.Env["CUDA_HOME"])
	assert.Equal(t, "/usr/local/cuda", p.Env["CUDA_PATH"])
	assert.Equal(t, "8.6;8.9", p.Env["TORCH_CUDA_ARCH_LIST"])
	assert.Equal(t, "6", p.Env["MAX_JOBS"])
	assert.Equal(t, "6", p.Env["OMP_NUM_THREADS"])
	assert.Equal(t, "hf_x", p.Env["HF_TOKEN"])
	assert.Equal(t, "sd-forge", p.Env["CONDA_DEFAULT_ENV"])
	assert.True(t, strings.HasPrefix(p.Env["PATH"], "/opt/conda/envs/sd-forge/bin"))
	_, preload := p.Env["LD_PRELOAD"]
	assert.False(t, preload)
}

func TestBuildPlanWanLoopbackNoSage(t *testing.T) {
	p := BuildPlan(Input{
		Variant: mustVariant(t, "wan2gp"),
		RepoDir: "/srv/wan",
		Env:     conda.Env{Name: "wan2gp", Prefix: "/e"},
		Host:    "127.0.0.1",
		Port:    7860,
		Sage:    config.SageNone,
		GPU:     gpu.Profile{Vendor: gpu.VendorAMD, GFX: "gfx1100"},
	})
	assert.Equal(t, []string{"wgp.py", "--server-name", "127.0.0.1", "--server-port", "7860"}, p.Args)
	assert.Empty(t, p.RestartMarker)
	assert.NotContains(t, p.Env, "SD_WEBUI_RESTART")
	assert.Equal(t, "11.0.0", p.Env["HSA_OVERRIDE_GFX_VERSION"])
	_, arch := p.Env["TORCH_CUDA_ARCH_LIST"]
	assert.False(t, arch)
	_, tmp := p.Env["TMPDIR"]
	assert.False(t, tmp, "unset temp leaves the inherited TMPDIR alone")
}

func TestBuildPlanSwarm(t *testing.T) {
	p := BuildPlan(Input{
		Variant:    mustVariant(t, "swarmui"),
		RepoDir:    "/srv/swarm",
		Host:       "localhost",
		Port:       7801,
		LaunchMode: "none",
	})
	assert.Equal(t, "/srv/swarm/launch-linux.sh", p.Path)
	assert.Equal(t, []string{"--host", "localhost", "--port", "7801", "--launch_mode", "none"}, p.Args)
}

func TestFindTcmallocPrefersPrefix(t *testing.T) {
	prefix := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "lib"), 0o755))
	lib := filepath.Join(prefix, "lib", "libtcmalloc_minimal.so.4")
	require.NoError(t, os.WriteFile(lib, nil, 0o644))
	old := tcmallocDirs
	tcmallocDirs = nil
	t.Cleanup(func() { tcmallocDirs = old })
	assert.Equal(t, lib, FindTcmalloc(prefix))
	assert.Empty(t, FindTcmalloc(""))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("127.0.0.1"))
	assert.True(t, IsLoopback("localhost"))
	assert.False(t, IsLoopback("0.0.0.0"))
}

// scriptedStarter plays one step per launch.
type scriptedStarter struct {
	steps  []func() (int, error)
	starts int
	err    error
}

type fakeProc struct {
	wait    func() (int, error)
	signals chan os.Signal
}

func (f *fakeProc) Wait() (int, error)       { return f.wait() }
func (f *fakeProc) Signal(s os.Signal) error { f.signals <- s; return nil }

func (s *scriptedStarter) Start(context.Context, Plan) (Process, error) {
	if s.err != nil {
		return nil, s.err
	}
	step := s.steps[s.starts]
	s.starts++
	return &fakeProc{wait: step, signals: make(chan os.Signal, 1)}, nil
}

func TestRunRestartsWhileMarkerPresent(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "tmp", "restart")
	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0o755))
	st := &scriptedStarter{steps: []func() (int, error){
		func() (int, error) { return 0, os.WriteFile(marker, nil, 0o644) },
		func() (int, error) { return 3, os.Remove(marker) },
	}}
	var states []State
	l := &Launcher{Starter: st, OnState: func(s State) { states = append(states, s) }}
	code, err := l.Run(context.Background(), Plan{Path: "app", RestartMarker: marker})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, 2, st.starts)
	assert.Equal(t, []State{StatePreparing, StateLaunched, StateRestartRequested, StateLaunched, StateTerminated}, states)
}

func TestRunNeverRemovesMarker(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "restart")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))
	ok := func() (int, error) { return 0, nil }
	st := &scriptedStarter{steps: []func() (int, error){ok, ok, ok}}
	var launches []int
	l := &Launcher{Starter: st, MaxRestarts: 2, OnLaunch: func(n int) { launches = append(launches, n) }}
	code, err := l.Run(context.Background(), Plan{RestartMarker: marker})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 3, st.starts)
	assert.Equal(t, []int{0, 1, 2}, launches)
	assert.FileExists(t, marker)
}

func TestRunWithoutMarkerSupport(t *testing.T) {
	st := &scriptedStarter{steps: []func() (int, error){func() (int, error) { return 7, nil }}}
	code, err := (&Launcher{Starter: st}).Run(context.Background(), Plan{})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestRunStartFailure(t *testing.T) {
	st := &scriptedStarter{err: errors.New("exec format error")}
	code, err := (&Launcher{Starter: st}).Run(context.Background(), Plan{Path: "app"})
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestRunForwardsSignalsAndSkipsRestart(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "restart")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))
	sigs := make(chan os.Signal, 1)
	var proc *fakeProc
	starter := starterFunc(func() (Process, error) {
		proc = &fakeProc{signals: make(chan os.Signal, 1)}
		proc.wait = func() (int, error) {
			s := <-proc.signals
			return 128 + int(s.(syscall.Signal)), nil
		}
		return proc, nil
	})
	sigs <- syscall.SIGTERM
	code, err := (&Launcher{Starter: starter, Signals: sigs}).Run(context.Background(), Plan{RestartMarker: marker})
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
}

type starterFunc func() (Process, error)

func (f starterFunc) Start(context.Context, Plan) (Process, error) { return f() }

func TestStateString(t *testing.T) {
	assert.Equal(t, "RESTART_REQUESTED", StateRestartRequested.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
}
