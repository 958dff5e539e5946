package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Profile overrides parts of a built-in variant descriptor, e.g. to point a
// launcher at a private mirror or a differently named environment.
// Zero values mean "keep the built-in value".
type Profile struct {
	RepoURL       string   `json:"repo_url" yaml:"repo_url" toml:"repo_url"`
	RepoBranch    string   `json:"repo_branch" yaml:"repo_branch" toml:"repo_branch"`
	EnvName       string   `json:"env_name" yaml:"env_name" toml:"env_name"`
	EnvFile       string   `json:"env_file" yaml:"env_file" toml:"env_file"`
	AltEnvFile    string   `json:"alt_env_file" yaml:"alt_env_file" toml:"alt_env_file"`
	ConfigFile    string   `json:"config_file" yaml:"config_file" toml:"config_file"`
	ExtraPackages []string `json:"extra_packages" yaml:"extra_packages" toml:"extra_packages"`
	DefaultPort   int      `json:"default_port" yaml:"default_port" toml:"default_port"`
}

// Load reads a profile file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Profile, error) {
	var p Profile
	if path == "" {
		return p, fmt.Errorf("empty profile path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &p); err != nil {
			return p, err
		}
	case ".json":
		if err := json.Unmarshal(b, &p); err != nil {
			return p, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &p); err != nil {
			return p, err
		}
	default:
		return p, fmt.Errorf("unsupported profile extension: %s", ext)
	}
	return p, nil
}
