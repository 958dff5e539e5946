// Package envprov creates, rebuilds and activates the conda environment a
// wrapped application runs in, and installs what its definition file leaves
// out.
package envprov

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/conda"
	"mllaunch/internal/executil"
	"mllaunch/internal/prompt"
	"mllaunch/internal/repo"
	"mllaunch/internal/ui"
)

// MarkerFile is written into an environment prefix right after the launcher
// created it.
const MarkerFile = ".mllaunch-created"

// SummaryLines bounds the tool output shown when creation fails.
const SummaryLines = 15

// Provisioner prepares environments. Runner executes pip and python inside
// them; Conda drives the conda CLI.
type Provisioner struct {
	Conda   *conda.Client
	Runner  executil.Runner
	Decider prompt.Decider
	Git     repo.Git
	// LogDir receives env_create_*.log and sage_build.log.
	LogDir string
	Now    func() time.Time
}

// Request describes the environment Ensure should produce.
type Request struct {
	Name    string
	File    string // definition file, absolute
	Rebuild bool
	// ConfirmRebuild asks before removing an existing environment.
	ConfirmRebuild bool
	ExtraPackages  []string
}

// Outcome reports what Ensure did.
type Outcome struct {
	Env     conda.Env
	Removed bool
	Created bool
	LogPath string
	// Installed lists extra packages installed during this run.
	Installed []string
}

// CreateError is returned when conda could not build the environment.
type CreateError struct {
	Name    string
	File    string
	LogPath string
	Summary []string
	Err     error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create conda environment %q from %s: %v", e.Name, e.File, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

func (e *CreateError) Remediation() []string {
	out := []string{}
	if e.LogPath != "" {
		out = append(out, fmt.Sprintf("Read the full log: less %s", e.LogPath))
	}
	out = append(out,
		fmt.Sprintf("Retry from scratch: conda env remove -n %s -y && conda env create -n %s -f %s", e.Name, e.Name, e.File),
		"Update conda itself: conda update -n base -c defaults conda",
		"Clear the package cache if downloads were corrupted: conda clean --all -y",
	)
	return out
}

// ActivationError means the environment could not be found after creation.
type ActivationError struct {
	Name string
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("conda environment %q not found after provisioning", e.Name)
}

func (e *ActivationError) Remediation() []string {
	return []string{
		"List known environments: conda env list",
		"Rebuild the environment: re-run with --rebuild-env",
		fmt.Sprintf("Activate it by hand to see the error: conda activate %s", e.Name),
	}
}

func (p *Provisioner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Provisioner) runner() executil.Runner {
	if p.Runner != nil {
		return p.Runner
	}
	return executil.OS{}
}

// Ensure makes sure the environment exists and is activatable. Creation and
// activation failures are returned as *CreateError / *ActivationError.
func (p *Provisioner) Ensure(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	env, found, err := p.Conda.Find(ctx, req.Name)
	if err != nil {
		return out, err
	}
	if found && req.Rebuild {
		remove := true
		if req.ConfirmRebuild && p.Decider != nil {
			remove, err = p.Decider.Confirm(fmt.Sprintf("Remove conda environment %q (%s) and rebuild it?", req.Name, env.Prefix), false)
			if err != nil {
				ui.Log.Warn().Err(err).Msg("rebuild confirmation failed, keeping the environment")
				remove = false
			}
		}
		if remove {
			ui.Log.Info().Str("env", req.Name).Msg("removing environment for rebuild")
			if err := p.Conda.Remove(ctx, req.Name); err != nil {
				return out, err
			}
			out.Removed = true
			found = false
		} else {
			ui.Log.Info().Str("env", req.Name).Msg("rebuild declined")
		}
	}

	if !found {
		logPath, err := p.create(ctx, req)
		out.LogPath = logPath
		if err != nil {
			return out, err
		}
		out.Created = true
		env, found, err = p.Conda.Find(ctx, req.Name)
		if err != nil {
			return out, err
		}
	}
	if !found || !fsutil.IsDir(env.Prefix) {
		return out, &ActivationError{Name: req.Name}
	}
	out.Env = env
	if out.Created {
		stamp := p.now().UTC().Format(time.RFC3339) + "\n"
		if err := os.WriteFile(filepath.Join(env.Prefix, MarkerFile), []byte(stamp), 0o644); err != nil {
			ui.Log.Warn().Err(err).Msg("could not write environment marker")
		}
	}
	out.Installed = p.installExtras(ctx, env, req.ExtraPackages, out.Created)
	return out, nil
}

func (p *Provisioner) create(ctx context.Context, req Request) (string, error) {
	if !fsutil.PathExists(req.File) {
		return "", &CreateError{Name: req.Name, File: req.File, Err: fmt.Errorf("definition file not found")}
	}
	logPath := ""
	var logFile *os.File
	if p.LogDir != "" {
		if err := os.MkdirAll(p.LogDir, 0o755); err == nil {
			logPath = filepath.Join(p.LogDir, "env_create_"+p.now().Format("20060102_150405")+".log")
			if f, err := os.Create(logPath); err == nil {
				logFile = f
			} else {
				logPath = ""
			}
		}
	}
	ui.Log.Info().Str("env", req.Name).Str("file", req.File).Str("log", logPath).Msg("creating conda environment")
	var res executil.Result
	var err error
	if logFile != nil {
		res, err = p.Conda.Create(ctx, req.Name, req.File, logFile)
		_ = logFile.Close()
	} else {
		res, err = p.Conda.Create(ctx, req.Name, req.File, nil)
	}
	if err != nil {
		return logPath, &CreateError{
			Name:    req.Name,
			File:    req.File,
			LogPath: logPath,
			Summary: executil.Tail(res.Output, SummaryLines),
			Err:     err,
		}
	}
	return logPath, nil
}

// installExtras installs pkgs into env. On a fresh environment everything is
// installed; otherwise only packages pip does not know about. Failures are
// warnings.
func (p *Provisioner) installExtras(ctx context.Context, env conda.Env, pkgs []string, fresh bool) []string {
	var missing []string
	for _, pkg := range dedupe(pkgs) {
		if fresh || !p.pipHas(ctx, env, pipName(pkg)) {
			missing = append(missing, pkg)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	ui.Log.Info().Strs("packages", missing).Msg("installing extra packages")
	_, err := p.runner().Run(ctx, executil.Cmd{
		Path:   env.Python(),
		Args:   append([]string{"-m", "pip", "install"}, missing...),
		Env:    env.Vars(os.Getenv("PATH")),
		Stream: true,
	})
	if err != nil {
		ui.Log.Warn().Err(err).Strs("packages", missing).Msg("extra package install failed")
		return nil
	}
	return missing
}

func (p *Provisioner) pipHas(ctx context.Context, env conda.Env, name string) bool {
	_, err := p.runner().Run(ctx, executil.Cmd{
		Path: env.Python(),
		Args: []string{"-m", "pip", "show", "-q", name},
		Env:  env.Vars(os.Getenv("PATH")),
	})
	return err == nil
}

// pipName strips extras and version specifiers: "huggingface_hub[cli]>=0.20"
// becomes "huggingface_hub".
func pipName(spec string) string {
	end := len(spec)
	if i := strings.IndexAny(spec, "[<>=!~; "); i >= 0 {
		end = i
	}
	return strings.TrimSpace(spec[:end])
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
