// Package paths resolves the models, output and temp directories from their
// configuration tiers and validates the result.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/config"
)

// Provenance says which tier a resolved value came from.
type Provenance int

const (
	FromDefault Provenance = iota
	FromSettings
	FromEnv
	FromJSON
	FromFlag
)

func (p Provenance) String() string {
	switch p {
	case FromFlag:
		return "flag"
	case FromJSON:
		return "json"
	case FromEnv:
		return "env"
	case FromSettings:
		return "config"
	case FromDefault:
		return "default"
	}
	return "unknown"
}

// Value is a resolved directory. An empty Path means the wrapped application
// picks its own location.
type Value struct {
	Path   string
	Source Provenance
}

func (v Value) IsSet() bool { return v.Path != "" }

// Explicit reports whether the user configured the value somewhere.
func (v Value) Explicit() bool { return v.IsSet() && v.Source != FromDefault }

func (v Value) String() string {
	if !v.IsSet() {
		return "(application default)"
	}
	return fmt.Sprintf("%s [%s]", v.Path, v.Source)
}

// Resolved holds the final directories.
type Resolved struct {
	Models Value
	Output Value
	Temp   Value
}

// SidecarName is the JSON file next to the launcher that can override paths.
const SidecarName = "output_path.json"

// Sidecar is the content of output_path.json. Only output_dir is documented
// for users; the other keys are accepted for symmetry.
type Sidecar struct {
	OutputDir string `json:"output_dir"`
	ModelsDir string `json:"models_dir,omitempty"`
	TempDir   string `json:"temp_dir,omitempty"`
}

// ReadSidecar parses the sidecar with the built-in JSON parser. It never needs
// a Python runtime. A missing file yields a zero Sidecar and ok=false.
func ReadSidecar(path string) (Sidecar, bool, error) {
	var s Sidecar
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, false, nil
		}
		return s, false, err
	}
	if err := jsoniter.Unmarshal(b, &s); err != nil {
		return Sidecar{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, true, nil
}

// Inputs gathers every tier for all three directories.
type Inputs struct {
	FlagModels string
	FlagOutput string
	FlagTemp   string
	// UseCustom is --use-custom-dir / -c.
	UseCustom bool
	Sidecar   Sidecar
	Settings  config.Settings

	DefaultModels string
	DefaultOutput string
	DefaultTemp   string
}

func pick(tiers ...Value) Value {
	for _, t := range tiers {
		if t.Path != "" {
			if exp, err := fsutil.ExpandHome(t.Path); err == nil {
				t.Path = exp
			}
			t.Path = filepath.Clean(t.Path)
			return t
		}
	}
	return Value{}
}

// Resolve applies flag > json > settings > default to each directory. The
// models dir also honours MODELS_DIR from the environment, ranked above the
// settings file.
func Resolve(in Inputs) Resolved {
	s := in.Settings
	settingsModels := s.ModelsDirDefault
	if in.UseCustom || s.UseCustomModelsDir {
		if s.CustomModelsDir != "" {
			settingsModels = s.CustomModelsDir
		}
	}
	return Resolved{
		Models: pick(
			Value{in.FlagModels, FromFlag},
			Value{in.Sidecar.ModelsDir, FromJSON},
			Value{s.ModelsDirEnv, FromEnv},
			Value{settingsModels, FromSettings},
			Value{in.DefaultModels, FromDefault},
		),
		Output: pick(
			Value{in.FlagOutput, FromFlag},
			Value{in.Sidecar.OutputDir, FromJSON},
			Value{s.OutputDir, FromSettings},
			Value{in.DefaultOutput, FromDefault},
		),
		Temp: pick(
			Value{in.FlagTemp, FromFlag},
			Value{in.Sidecar.TempDir, FromJSON},
			Value{s.TempDir, FromSettings},
			Value{in.DefaultTemp, FromDefault},
		),
	}
}
