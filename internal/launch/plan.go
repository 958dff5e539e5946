// Package launch assembles the wrapped application's command line and
// environment, then runs it, relaunching while it asks for a restart.
package launch

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/conda"
	"mllaunch/internal/config"
	"mllaunch/internal/envprov"
	"mllaunch/internal/gpu"
	"mllaunch/internal/paths"
	"mllaunch/internal/variants"
)

// Plan is a fully resolved child invocation. It does not change between
// restarts.
type Plan struct {
	Dir  string
	Path string
	Args []string
	Env  map[string]string
	// RestartMarker is the absolute sentinel path, "" when the application
	// has no restart protocol.
	RestartMarker string
}

// Argv is Path followed by Args.
func (p Plan) Argv() []string { return append([]string{p.Path}, p.Args...) }

// Input collects everything BuildPlan needs.
type Input struct {
	Variant    variants.Descriptor
	RepoDir    string
	Env        conda.Env
	Paths      paths.Resolved
	Host       string
	Port       int
	LaunchMode string
	// Sage is the attention backend that is actually usable; SageNone when
	// the build was skipped or failed.
	Sage            config.SageVersion
	GPU             gpu.Profile
	CUDAHome        string
	DisableTcmalloc bool
	HFToken         string
	Passthrough     []string
	NumCPU          int
	Jobs            int
}

// BuildPlan derives the child command line and environment.
func BuildPlan(in Input) Plan {
	p := Plan{Dir: in.RepoDir, Env: map[string]string{}}
	entry := in.Variant.Entry
	if len(entry) > 0 && entry[0] == "python" {
		p.Path = in.Env.Python()
		p.Args = append(p.Args, entry[1:]...)
	} else if len(entry) > 0 {
		p.Path = filepath.Join(in.RepoDir, filepath.Clean(entry[0]))
		p.Args = append(p.Args, entry[1:]...)
	}
	p.Args = append(p.Args, familyArgs(in)...)
	p.Args = append(p.Args, in.Passthrough...)
	if in.Variant.RestartMarker != "" {
		p.RestartMarker = filepath.Join(in.RepoDir, in.Variant.RestartMarker)
		// the webui only offers its restart button when this is set
		p.Env["SD_WEBUI_RESTART"] = in.Variant.RestartMarker
	}

	if in.Env.Prefix != "" {
		for k, v := range in.Env.Vars(os.Getenv("PATH")) {
			p.Env[k] = v
		}
	}
	if t := in.Paths.Temp.Path; t != "" {
		for _, k := range []string{"TMPDIR", "TEMP", "TMP", "GRADIO_TEMP_DIR"} {
			p.Env[k] = t
		}
	}
	if in.CUDAHome != "" {
		p.Env["CUDA_HOME"] = in.CUDAHome
		p.Env["CUDA_PATH"] = in.CUDAHome
	}
	if in.GPU.Vendor == gpu.VendorNVIDIA {
		arch, _ := in.GPU.ArchList()
		p.Env["TORCH_CUDA_ARCH_LIST"] = arch
	}
	if v := in.GPU.HSAOverride(); v != "" {
		p.Env["HSA_OVERRIDE_GFX_VERSION"] = v
	}
	if !in.DisableTcmalloc {
		if lib := FindTcmalloc(in.Env.Prefix); lib != "" {
			if cur := os.Getenv("LD_PRELOAD"); cur != "" && !strings.Contains(cur, lib) {
				lib = lib + ":" + cur
			}
			p.Env["LD_PRELOAD"] = lib
		}
	}
	jobs := strconv.Itoa(envprov.MaxJobs(in.NumCPU, in.Jobs))
	p.Env["MAX_JOBS"] = jobs
	if _, set := os.LookupEnv("OMP_NUM_THREADS"); !set {
		p.Env["OMP_NUM_THREADS"] = jobs
	}
	if in.HFToken != "" {
		p.Env["HF_TOKEN"] = in.HFToken
	}
	return p
}

func familyArgs(in Input) []string {
	port := strconv.Itoa(in.Port)
	models := in.Paths.Models.Path
	var a []string
	switch in.Variant.Family {
	case variants.FamilyWan:
		a = append(a, "--server-name", in.Host, "--server-port", port)
		if models != "" {
			a = append(a, "--checkpoint-dir", models)
		}
		switch in.Sage {
		case config.SageV2:
			a = append(a, "--attention", "sage2")
		case config.SageV3:
			a = append(a, "--attention", "sage3")
		}
	case variants.FamilyForge:
		if !IsLoopback(in.Host) {
			a = append(a, "--listen")
		}
		a = append(a, "--port", port)
		if models != "" {
			a = append(a,
				"--ckpt-dir", filepath.Join(models, "Stable-diffusion"),
				"--lora-dir", filepath.Join(models, "Lora"),
				"--vae-dir", filepath.Join(models, "VAE"),
			)
		}
		if in.Sage == config.SageV2 || in.Sage == config.SageV3 {
			a = append(a, "--use-sage-attention")
		}
	case variants.FamilySwarm:
		a = append(a, "--host", in.Host, "--port", port)
		if in.LaunchMode != "" {
			a = append(a, "--launch_mode", in.LaunchMode)
		}
	}
	return a
}

// IsLoopback reports whether host only binds locally.
func IsLoopback(host string) bool {
	switch strings.TrimSpace(host) {
	case "", "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

var tcmallocDirs = []string{
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/usr/lib64",
	"/usr/lib",
}

// FindTcmalloc returns a tcmalloc shared object, preferring the one shipped
// in the conda prefix.
func FindTcmalloc(prefix string) string {
	dirs := tcmallocDirs
	if prefix != "" {
		dirs = append([]string{filepath.Join(prefix, "lib")}, dirs...)
	}
	for _, d := range dirs {
		for _, pat := range []string{"libtcmalloc_minimal.so*", "libtcmalloc.so*"} {
			matches, _ := filepath.Glob(filepath.Join(d, pat))
			for _, m := range matches {
				if fsutil.PathExists(m) {
					return m
				}
			}
		}
	}
	return ""
}
