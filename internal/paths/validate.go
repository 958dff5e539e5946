package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/ui"
)

// Options control directory validation.
type Options struct {
	AutoCreate bool
	// Validate turns on proactive creation of OutputSubdirs.
	Validate      bool
	OutputSubdirs []string
}

// ValidationError is a directory problem that stops the launch.
type ValidationError struct {
	Name      string
	Path      string
	Reason    string
	Mandatory bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s directory %s: %s", e.Name, e.Path, e.Reason)
}

// Remediation suggests concrete commands for the failing directory.
func (e *ValidationError) Remediation() []string {
	lines := []string{
		fmt.Sprintf("mkdir -p %q", e.Path),
		fmt.Sprintf("sudo chown -R \"$USER\" %q   (if it exists but is not writable)", e.Path),
	}
	if e.Mandatory {
		lines = append(lines, fmt.Sprintf("Remove the %s directory setting to fall back to the system default", e.Name))
	} else {
		lines = append(lines, "Set AUTO_CREATE_DIRS=true in the settings file to let the launcher create it")
	}
	return lines
}

// Validate checks each resolved directory. An explicitly configured temp dir
// must already exist and be writable; it is never created or replaced.
func Validate(r Resolved, opts Options) error {
	if err := checkMandatory("temp", r.Temp); err != nil {
		return err
	}
	if err := ensure("output", r.Output, opts.AutoCreate, true); err != nil {
		return err
	}
	if err := ensure("models", r.Models, opts.AutoCreate, false); err != nil {
		return err
	}
	if opts.Validate && r.Output.IsSet() && fsutil.IsDir(r.Output.Path) {
		for _, sub := range opts.OutputSubdirs {
			p := filepath.Join(r.Output.Path, sub)
			if err := os.MkdirAll(p, 0o755); err != nil {
				return &ValidationError{Name: "output", Path: p, Reason: err.Error()}
			}
		}
	}
	return nil
}

func checkMandatory(name string, v Value) error {
	if !v.IsSet() {
		return nil
	}
	if !v.Explicit() {
		return ensure(name, v, true, true)
	}
	if !fsutil.IsDir(v.Path) {
		return &ValidationError{Name: name, Path: v.Path, Reason: "configured but does not exist", Mandatory: true}
	}
	if !fsutil.IsWritable(v.Path) {
		return &ValidationError{Name: name, Path: v.Path, Reason: "configured but not writable", Mandatory: true}
	}
	return nil
}

func ensure(name string, v Value, autoCreate, needWrite bool) error {
	if !v.IsSet() {
		return nil
	}
	if !fsutil.PathExists(v.Path) {
		if !autoCreate {
			if v.Explicit() {
				return &ValidationError{Name: name, Path: v.Path, Reason: "does not exist and auto-creation is disabled"}
			}
			ui.Log.Warn().Str("dir", name).Str("path", v.Path).Msg("default directory missing; leaving it to the application")
			return nil
		}
		if err := os.MkdirAll(v.Path, 0o755); err != nil {
			return &ValidationError{Name: name, Path: v.Path, Reason: fmt.Sprintf("create failed: %v", err)}
		}
		ui.Log.Info().Str("dir", name).Str("path", v.Path).Msg("created directory")
	}
	if !fsutil.IsDir(v.Path) {
		return &ValidationError{Name: name, Path: v.Path, Reason: "exists but is not a directory"}
	}
	if needWrite && !fsutil.IsWritable(v.Path) {
		return &ValidationError{Name: name, Path: v.Path, Reason: "not writable"}
	}
	return nil
}
