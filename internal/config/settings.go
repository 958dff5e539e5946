package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/ui"
)

// SageVersion selects which SageAttention build, if any, the launcher uses.
type SageVersion int

const (
	SageAuto SageVersion = iota
	SageV2
	SageV3
	SageNone
)

func (s SageVersion) String() string {
	switch s {
	case SageAuto:
		return "auto"
	case SageV2:
		return "2"
	case SageV3:
		return "3"
	case SageNone:
		return "none"
	}
	return fmt.Sprintf("SageVersion(%d)", int(s))
}

// ParseSageVersion accepts auto|2|3|none (plus a few spellings people use).
func ParseSageVersion(v string) (SageVersion, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "auto":
		return SageAuto, nil
	case "2", "v2", "sage2":
		return SageV2, nil
	case "3", "v3", "sage3":
		return SageV3, nil
	case "none", "off", "disable", "disabled", "0":
		return SageNone, nil
	}
	return SageAuto, fmt.Errorf("unknown sage version %q (want auto|2|3|none)", v)
}

// VariantDefaults are the per-application values the settings defaults
// depend on.
type VariantDefaults struct {
	BaseDir     string // directory the launcher lives in
	RepoDirName string
	Branch      string
	EnvName     string
	Port        int
}

// Settings is the fully populated launcher configuration. It is built once at
// startup and passed by value afterwards.
type Settings struct {
	AutoCacheCleanup     bool
	CacheSizeThresholdMB int
	CondaExe             string

	ModelsDirDefault   string
	UseCustomModelsDir bool
	CustomModelsDir    string
	OutputDir          string
	TempDir            string
	// ModelsDirEnv is MODELS_DIR from the process environment.
	ModelsDirEnv string

	SageVersion SageVersion

	AutoGitUpdate  bool
	AutoCreateDirs bool
	ValidateDirs   bool

	RepoDir        string
	RepoBranch     string
	RepoForkURL    string
	RepoForkBranch string
	AutoSelectRepo bool

	EnvName          string
	AutoFixPackages  bool
	ConfirmRebuild   bool
	ExtraPipPackages []string

	DisableTcmalloc   bool
	Host              string
	Port              int
	LaunchMode        string
	AutoLaunchBrowser bool
	HFToken           string
	MetricsFile       string

	// LoadedFrom is the settings file path, or "" when only defaults apply.
	LoadedFrom string
}

// DefaultCondaExe is the fallback conda location used when conda is not on PATH.
const DefaultCondaExe = "~/miniconda3/bin/conda"

// Defaults returns settings with every field at its documented default.
func Defaults(vd VariantDefaults) Settings {
	conda, _ := fsutil.ExpandHome(DefaultCondaExe)
	return Settings{
		AutoCacheCleanup:     true,
		CacheSizeThresholdMB: 1024,
		CondaExe:             envStr("CONDA_EXE", conda),
		ModelsDirEnv:         os.Getenv("MODELS_DIR"),
		SageVersion:          SageAuto,
		AutoGitUpdate:        true,
		AutoCreateDirs:       true,
		ValidateDirs:         true,
		RepoDir:              filepath.Join(vd.BaseDir, vd.RepoDirName),
		RepoBranch:           vd.Branch,
		EnvName:              vd.EnvName,
		ConfirmRebuild:       true,
		Host:                 "127.0.0.1",
		Port:                 vd.Port,
		LaunchMode:           "web",
		HFToken:              os.Getenv("HF_TOKEN"),
	}
}

// LoadSettings applies the settings file at path (if any) on top of Defaults.
// A missing file is not an error. Keys the launcher does not know about are
// ignored, and empty values leave the default in place.
func LoadSettings(path string, vd VariantDefaults) (Settings, error) {
	s := Defaults(vd)
	if path == "" {
		ui.Log.Info().Msg("no settings file configured, using built-in defaults")
		return s, nil
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return s, err
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			ui.Log.Info().Str("path", path).Msg("settings file not found, using built-in defaults")
			return s, nil
		}
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	apply(&s, vars)
	s.LoadedFrom = path
	ui.Log.Info().Str("path", path).Int("keys", len(vars)).Msg("loaded settings from file")
	return s, nil
}

func apply(s *Settings, vars map[string]string) {
	get := func(key string) (string, bool) {
		v, ok := vars[key]
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	path := func(key string, dst *string) {
		if v, ok := get(key); ok {
			if exp, err := fsutil.ExpandHome(v); err == nil {
				v = exp
			}
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, valid := parseBool(v)
			if !valid {
				ui.Log.Warn().Str("key", key).Str("value", v).Msg("not a boolean, keeping default")
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				ui.Log.Warn().Str("key", key).Str("value", v).Msg("not an integer, keeping default")
				return
			}
			*dst = n
		}
	}

	boolean("AUTO_CACHE_CLEANUP", &s.AutoCacheCleanup)
	integer("CACHE_SIZE_THRESHOLD_MB", &s.CacheSizeThresholdMB)
	path("CONDA_EXE", &s.CondaExe)
	path("MODELS_DIR_DEFAULT", &s.ModelsDirDefault)
	boolean("USE_CUSTOM_MODELS_DIR", &s.UseCustomModelsDir)
	path("CUSTOM_MODELS_DIR", &s.CustomModelsDir)
	path("OUTPUT_DIR", &s.OutputDir)
	path("TEMP_DIR", &s.TempDir)
	if v, ok := get("DEFAULT_SAGE_VERSION"); ok {
		sv, err := ParseSageVersion(v)
		if err != nil {
			ui.Log.Warn().Err(err).Msg("falling back to sage auto-detection")
		}
		s.SageVersion = sv
	}
	boolean("AUTO_GIT_UPDATE", &s.AutoGitUpdate)
	boolean("AUTO_CREATE_DIRS", &s.AutoCreateDirs)
	boolean("VALIDATE_DIRS", &s.ValidateDirs)
	path("REPO_DIR", &s.RepoDir)
	str("REPO_BRANCH", &s.RepoBranch)
	str("REPO_FORK_URL", &s.RepoForkURL)
	str("REPO_FORK_BRANCH", &s.RepoForkBranch)
	boolean("AUTO_SELECT_REPO", &s.AutoSelectRepo)
	str("ENV_NAME", &s.EnvName)
	boolean("AUTO_FIX_PACKAGES", &s.AutoFixPackages)
	boolean("CONFIRM_REBUILD", &s.ConfirmRebuild)
	if v, ok := get("EXTRA_PIP_PACKAGES"); ok {
		s.ExtraPipPackages = strings.Fields(v)
	}
	boolean("DISABLE_TCMALLOC", &s.DisableTcmalloc)
	str("HOST", &s.Host)
	integer("PORT", &s.Port)
	str("LAUNCH_MODE", &s.LaunchMode)
	boolean("AUTO_LAUNCH_BROWSER", &s.AutoLaunchBrowser)
	str("HF_TOKEN", &s.HFToken)
	path("METRICS_FILE", &s.MetricsFile)
}

// DefaultSettingsPath is $MLLAUNCH_SETTINGS or <baseDir>/<variant>_config.sh.
func DefaultSettingsPath(baseDir, variant string) string {
	if p := envStr("MLLAUNCH_SETTINGS", ""); p != "" {
		return p
	}
	return filepath.Join(baseDir, strings.ReplaceAll(variant, "-", "_")+"_config.sh")
}

// DefaultBaseDir is $MLLAUNCH_HOME or the working directory. Repositories,
// settings files and the sidecar live there.
func DefaultBaseDir() string {
	if d := envStr("MLLAUNCH_HOME", ""); d != "" {
		if exp, err := fsutil.ExpandHome(d); err == nil {
			return exp
		}
		return d
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// LogLevelFromEnv returns MLLAUNCH_LOG_LEVEL or "info".
func LogLevelFromEnv() string { return envStr("MLLAUNCH_LOG_LEVEL", "info") }

// BuildJobsOverride returns MAX_JOBS from the environment, or 0 when unset.
func BuildJobsOverride() int { return envInt("MAX_JOBS", 0) }

// Unattended reports whether MLLAUNCH_YES asks for non-interactive runs.
func Unattended() bool { return envBool("MLLAUNCH_YES", false) }
