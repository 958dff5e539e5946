package envprov

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/conda"
	"mllaunch/internal/config"
	"mllaunch/internal/executil"
	"mllaunch/internal/gpu"
	"mllaunch/internal/ui"
)

// SageRepo is where the SageAttention sources come from.
const SageRepo = "https://github.com/thu-ml/SageAttention.git"

// sage3Subdir holds the Blackwell-only v3 build inside the same repository.
const sage3Subdir = "sageattention3_blackwell"

var lookPath = exec.LookPath

// FailureClass buckets a failed optional build for the remediation hint.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureMissingFramework
	FailureToolchain
	FailureUnknown
)

func (f FailureClass) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureMissingFramework:
		return "missing-framework"
	case FailureToolchain:
		return "toolchain"
	}
	return "unknown"
}

// Hint is the one-line remediation shown for a failure class.
func (f FailureClass) Hint() string {
	switch f {
	case FailureMissingFramework:
		return "Install PyTorch with CUDA into the environment first: python -m pip install torch --index-url https://download.pytorch.org/whl/cu128"
	case FailureToolchain:
		return "Install a CUDA toolkit matching PyTorch and point CUDA_HOME at it: export CUDA_HOME=/usr/local/cuda"
	case FailureUnknown:
		return "Inspect the build log and retry with --sage2 or --disable-sage"
	}
	return ""
}

// SageRequest parameterizes BuildSage.
type SageRequest struct {
	Version  config.SageVersion // V2 or V3; anything else is a no-op
	Env      conda.Env
	GPU      gpu.Profile
	CUDAHome string
	// WorkDir is where the source checkout is kept between runs.
	WorkDir string
	// Jobs overrides the computed MAX_JOBS when > 0.
	Jobs int
}

// SageResult is always returned; the build is optional so failures never
// surface as errors.
type SageResult struct {
	Version  config.SageVersion
	Built    bool
	Already  bool
	Skipped  string
	LogPath  string
	ArchList string
	Failure  FailureClass
}

// Available reports whether the extension can be used after this step.
func (r SageResult) Available() bool { return r.Built || r.Already }

// MaxJobs is half the CPU count clamped to [1, 8], unless override is set.
func MaxJobs(ncpu, override int) int {
	if override > 0 {
		return override
	}
	n := ncpu / 2
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

func sageModule(v config.SageVersion) string {
	if v == config.SageV3 {
		return "sageattn3"
	}
	return "sageattention"
}

// FindNvcc returns the nvcc binary under cudaHome, or on PATH.
func FindNvcc(cudaHome string) (string, bool) {
	if cudaHome != "" {
		p := filepath.Join(cudaHome, "bin", "nvcc")
		if fsutil.PathExists(p) {
			return p, true
		}
	}
	if p, err := lookPath("nvcc"); err == nil {
		return p, true
	}
	return "", false
}

// DetectCUDAHome returns $CUDA_HOME, /usr/local/cuda, or the toolkit that
// owns the nvcc on PATH, in that order. "" when none is found.
func DetectCUDAHome() string {
	if h := os.Getenv("CUDA_HOME"); h != "" && fsutil.IsDir(h) {
		return h
	}
	if fsutil.PathExists("/usr/local/cuda/bin/nvcc") {
		return "/usr/local/cuda"
	}
	if nvcc, ok := FindNvcc(""); ok {
		return filepath.Dir(filepath.Dir(nvcc))
	}
	return ""
}

// BuildSage compiles and installs SageAttention into the environment when its
// prerequisites are met. Build output goes to <LogDir>/sage_build.log.
func (p *Provisioner) BuildSage(ctx context.Context, req SageRequest) SageResult {
	res := SageResult{Version: req.Version}
	if req.Version != config.SageV2 && req.Version != config.SageV3 {
		res.Skipped = "not requested"
		return res
	}
	vars := req.Env.Vars(os.Getenv("PATH"))
	if p.python(ctx, req.Env, vars, "import "+sageModule(req.Version)) == nil {
		res.Already = true
		return res
	}
	nvcc, ok := FindNvcc(req.CUDAHome)
	if !ok {
		res.Skipped = "nvcc not found"
		res.Failure = FailureToolchain
		return res
	}
	if err := p.python(ctx, req.Env, vars, "import torch"); err != nil {
		res.Skipped = "torch not importable"
		res.Failure = FailureMissingFramework
		return res
	}

	src := filepath.Join(req.WorkDir, "SageAttention")
	if !fsutil.PathExists(filepath.Join(src, ".git")) {
		if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
			res.Skipped = err.Error()
			res.Failure = FailureUnknown
			return res
		}
		if err := p.Git.Clone(ctx, src, SageRepo, ""); err != nil {
			ui.Log.Warn().Err(err).Msg("could not fetch SageAttention sources")
			res.Skipped = "clone failed"
			res.Failure = FailureUnknown
			return res
		}
	}
	buildDir := src
	if req.Version == config.SageV3 {
		buildDir = filepath.Join(src, sage3Subdir)
	}

	arch, fallback := req.GPU.ArchList()
	if fallback {
		ui.Log.Warn().Str("arch", arch).Msg("compute capability unknown, building for fallback architectures")
	}
	res.ArchList = arch
	jobs := MaxJobs(runtime.NumCPU(), req.Jobs)
	vars["TORCH_CUDA_ARCH_LIST"] = arch
	vars["MAX_JOBS"] = strconv.Itoa(jobs)
	vars["CUDA_HOME"] = filepath.Dir(filepath.Dir(nvcc))

	var logFile *os.File
	if p.LogDir != "" {
		if err := os.MkdirAll(p.LogDir, 0o755); err == nil {
			res.LogPath = filepath.Join(p.LogDir, "sage_build.log")
			logFile, _ = os.Create(res.LogPath)
		}
	}
	cmd := executil.Cmd{
		Path: req.Env.Python(),
		Args: []string{"-m", "pip", "install", "--no-build-isolation", "-v", "."},
		Env:  vars,
		Dir:  buildDir,
	}
	if logFile != nil {
		cmd.LogTo = logFile
		defer logFile.Close()
	}
	ui.Log.Info().Str("version", req.Version.String()).Str("arch", arch).Int("jobs", jobs).Str("log", res.LogPath).Msg("building SageAttention")
	out, err := p.runner().Run(ctx, cmd)
	if err != nil {
		res.Failure = ClassifyBuildFailure(string(out.Output))
		ui.Log.Warn().Err(err).Str("class", res.Failure.String()).Str("log", res.LogPath).Msg("SageAttention build failed, continuing without it")
		return res
	}
	res.Built = true
	return res
}

func (p *Provisioner) python(ctx context.Context, env conda.Env, vars map[string]string, code string) error {
	_, err := p.runner().Run(ctx, executil.Cmd{Path: env.Python(), Args: []string{"-c", code}, Env: vars})
	return err
}

// ClassifyBuildFailure inspects build output for the usual causes.
func ClassifyBuildFailure(out string) FailureClass {
	low := strings.ToLower(out)
	for _, s := range []string{"no module named 'torch'", "no module named torch", "torch is not installed", "torch.utils.cpp_extension"} {
		if strings.Contains(low, s) {
			return FailureMissingFramework
		}
	}
	for _, s := range []string{"nvcc", "cuda_home", "unsupported gpu architecture", "unsupported gnu version", "gcc", "ninja", "cuda version mismatch", "the detected cuda version"} {
		if strings.Contains(low, s) {
			return FailureToolchain
		}
	}
	return FailureUnknown
}

// Describe renders a SageResult for the status line.
func (r SageResult) Describe() string {
	switch {
	case r.Already:
		return fmt.Sprintf("SageAttention %s already installed", r.Version)
	case r.Built:
		return fmt.Sprintf("SageAttention %s built for %s", r.Version, r.ArchList)
	case r.Skipped != "":
		return fmt.Sprintf("SageAttention %s skipped: %s", r.Version, r.Skipped)
	}
	return fmt.Sprintf("SageAttention %s unavailable (%s)", r.Version, r.Failure)
}
