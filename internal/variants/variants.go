// Package variants describes the wrapped applications the launcher knows how
// to prepare and start.
package variants

import (
	"fmt"
	"sort"

	"mllaunch/internal/config"
)

// Family groups variants that share argument and config-file conventions.
type Family int

const (
	FamilyWan Family = iota
	FamilyForge
	FamilySwarm
)

// Source is a git remote the application can be cloned from.
type Source struct {
	Name   string
	URL    string
	Branch string
}

// Relocation names config keys holding absolute model paths that should be
// re-rooted under the models dir when they go stale.
type Relocation struct {
	Keys    []string
	Segment string
}

// Descriptor is everything the pipeline needs to know about one application.
type Descriptor struct {
	Name    string
	Display string
	Family  Family

	Official    Source
	RepoDirName string

	EnvName string
	EnvFile string
	// AltEnvFile is used instead of EnvFile when SageAttention 3 is selected;
	// it pins a newer Python.
	AltEnvFile string

	ConfigFile    string // relative to the repo dir; "" if the app has no JSON config
	Entry         []string
	RestartMarker string // relative to the repo dir; "" disables the restart loop
	SageSupported bool
	DefaultPort   int

	OutputSubdirs     []string
	ExtraPackages     []string
	CacheDirs         []string // relative to the repo dir
	RequirementsFiles []string // first existing one wins
	Relocation        Relocation
}

var forgeOutputs = []string{"txt2img-images", "img2img-images", "extras-images", "txt2img-grids", "img2img-grids", "save", "init-images"}

var registry = map[string]Descriptor{
	"wan2gp": {
		Name:              "wan2gp",
		Display:           "Wan2GP",
		Family:            FamilyWan,
		Official:          Source{Name: "official", URL: "https://github.com/deepbeepmeep/Wan2GP.git", Branch: "main"},
		RepoDirName:       "Wan2GP",
		EnvName:           "wan2gp",
		EnvFile:           "environment_wan2gp.yml",
		AltEnvFile:        "environment_wan2gp_py312.yml",
		ConfigFile:        "wgp_config.json",
		Entry:             []string{"python", "wgp.py"},
		SageSupported:     true,
		DefaultPort:       7860,
		OutputSubdirs:     []string{"videos", "images"},
		ExtraPackages:     []string{"huggingface_hub[cli]"},
		CacheDirs:         []string{"__pycache__"},
		RequirementsFiles: []string{"requirements.txt"},
	},
	"forge": {
		Name:              "forge",
		Display:           "Stable Diffusion WebUI Forge",
		Family:            FamilyForge,
		Official:          Source{Name: "official", URL: "https://github.com/lllyasviel/stable-diffusion-webui-forge.git", Branch: "main"},
		RepoDirName:       "stable-diffusion-webui-forge",
		EnvName:           "sd-forge",
		EnvFile:           "environment_forge.yml",
		ConfigFile:        "config.json",
		Entry:             []string{"python", "launch.py"},
		RestartMarker:     "tmp/restart",
		SageSupported:     true,
		DefaultPort:       7860,
		OutputSubdirs:     forgeOutputs,
		ExtraPackages:     []string{"insightface"},
		CacheDirs:         []string{"__pycache__", "tmp/gradio"},
		RequirementsFiles: []string{"requirements_versions.txt", "requirements.txt"},
		Relocation:        Relocation{Keys: []string{"forge_additional_modules", "sd_model_checkpoint_path"}, Segment: "models"},
	},
	"forge-classic": {
		Name:              "forge-classic",
		Display:           "Forge Classic",
		Family:            FamilyForge,
		Official:          Source{Name: "official", URL: "https://github.com/Haoming02/sd-webui-forge-classic.git", Branch: "classic"},
		RepoDirName:       "sd-webui-forge-classic",
		EnvName:           "sd-forge-classic",
		EnvFile:           "environment_forge_classic.yml",
		AltEnvFile:        "environment_forge_classic_py312.yml",
		ConfigFile:        "config.json",
		Entry:             []string{"python", "launch.py"},
		RestartMarker:     "tmp/restart",
		SageSupported:     true,
		DefaultPort:       7861,
		OutputSubdirs:     forgeOutputs,
		CacheDirs:         []string{"__pycache__", "tmp/gradio"},
		RequirementsFiles: []string{"requirements_versions.txt", "requirements.txt"},
		Relocation:        Relocation{Keys: []string{"forge_additional_modules", "sd_model_checkpoint_path"}, Segment: "models"},
	},
	"swarmui": {
		Name:        "swarmui",
		Display:     "SwarmUI",
		Family:      FamilySwarm,
		Official:    Source{Name: "official", URL: "https://github.com/mcmonkeyprojects/SwarmUI.git", Branch: "master"},
		RepoDirName: "SwarmUI",
		EnvName:     "swarmui",
		EnvFile:     "environment_swarmui.yml",
		Entry:       []string{"./launch-linux.sh"},
		DefaultPort: 7801,
		CacheDirs:   []string{"dlbackend/tmp"},
	},
}

// Lookup returns the descriptor registered under name.
func Lookup(name string) (Descriptor, error) {
	d, ok := registry[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown launcher variant %q (known: %v)", name, Names())
	}
	return d.clone(), nil
}

// Names lists the registered variants in stable order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d Descriptor) clone() Descriptor {
	d.Entry = append([]string(nil), d.Entry...)
	d.OutputSubdirs = append([]string(nil), d.OutputSubdirs...)
	d.ExtraPackages = append([]string(nil), d.ExtraPackages...)
	d.CacheDirs = append([]string(nil), d.CacheDirs...)
	d.RequirementsFiles = append([]string(nil), d.RequirementsFiles...)
	d.Relocation.Keys = append([]string(nil), d.Relocation.Keys...)
	return d
}

// WithProfile returns a copy of d with the non-zero profile fields applied.
func (d Descriptor) WithProfile(p config.Profile) Descriptor {
	d = d.clone()
	if p.RepoURL != "" {
		d.Official.URL = p.RepoURL
	}
	if p.RepoBranch != "" {
		d.Official.Branch = p.RepoBranch
	}
	if p.EnvName != "" {
		d.EnvName = p.EnvName
	}
	if p.EnvFile != "" {
		d.EnvFile = p.EnvFile
	}
	if p.AltEnvFile != "" {
		d.AltEnvFile = p.AltEnvFile
	}
	if p.ConfigFile != "" {
		d.ConfigFile = p.ConfigFile
	}
	if p.DefaultPort != 0 {
		d.DefaultPort = p.DefaultPort
	}
	d.ExtraPackages = append(d.ExtraPackages, p.ExtraPackages...)
	return d
}

// Defaults feeds the settings loader.
func (d Descriptor) Defaults(baseDir string) config.VariantDefaults {
	return config.VariantDefaults{
		BaseDir:     baseDir,
		RepoDirName: d.RepoDirName,
		Branch:      d.Official.Branch,
		EnvName:     d.EnvName,
		Port:        d.DefaultPort,
	}
}
