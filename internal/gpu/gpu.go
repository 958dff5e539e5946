// Package gpu detects the installed GPU from vendor tool output and derives
// the architecture tags used for build flags and runtime overrides.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"mllaunch/internal/config"
	"mllaunch/internal/executil"
	"mllaunch/internal/ui"
)

type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorNVIDIA
	VendorAMD
)

func (v Vendor) String() string {
	switch v {
	case VendorNVIDIA:
		return "nvidia"
	case VendorAMD:
		return "amd"
	}
	return "unknown"
}

// Profile is what the launcher knows about the GPU. Never persisted.
type Profile struct {
	Vendor Vendor
	Model  string
	// ComputeCaps holds distinct CUDA compute capabilities ("8.6"), NVIDIA only.
	ComputeCaps []string
	// GFX is the AMD ISA target ("gfx1100"), AMD only.
	GFX string
}

// FallbackArchList is used when the compute capability cannot be detected.
const FallbackArchList = "8.0;8.6"

// ArchList returns a TORCH_CUDA_ARCH_LIST value and whether it is the fallback.
func (p Profile) ArchList() (string, bool) {
	if p.Vendor != VendorNVIDIA || len(p.ComputeCaps) == 0 {
		return FallbackArchList, true
	}
	return strings.Join(p.ComputeCaps, ";"), false
}

// MaxComputeCap is the highest capability as a float, 0 when unknown.
func (p Profile) MaxComputeCap() float64 {
	var best float64
	for _, c := range p.ComputeCaps {
		if f, err := strconv.ParseFloat(c, 64); err == nil && f > best {
			best = f
		}
	}
	return best
}

// SageFor resolves SageAuto to a concrete version for this GPU. Explicit
// choices are returned unchanged.
func (p Profile) SageFor(want config.SageVersion) config.SageVersion {
	switch want {
	case config.SageV2, config.SageV3, config.SageNone:
		return want
	case config.SageAuto:
		if p.Vendor != VendorNVIDIA {
			return config.SageNone
		}
		cc := p.MaxComputeCap()
		switch {
		case cc >= 10.0:
			return config.SageV3
		case cc >= 8.0:
			return config.SageV2
		case cc == 0:
			// unknown capability on an NVIDIA card: v2 covers the common case
			return config.SageV2
		default:
			return config.SageNone
		}
	}
	return config.SageNone
}

// HSAOverride returns the HSA_OVERRIDE_GFX_VERSION value for consumer AMD
// cards ROCm does not officially list, or "".
func (p Profile) HSAOverride() string {
	if p.Vendor != VendorAMD {
		return ""
	}
	switch {
	case strings.HasPrefix(p.GFX, "gfx110"):
		return "11.0.0"
	case strings.HasPrefix(p.GFX, "gfx103"):
		return "10.3.0"
	case strings.HasPrefix(p.GFX, "gfx120"):
		return "12.0.0"
	}
	return ""
}

func (p Profile) String() string {
	switch p.Vendor {
	case VendorNVIDIA:
		al, fb := p.ArchList()
		if fb {
			return fmt.Sprintf("NVIDIA %s (compute capability unknown)", p.Model)
		}
		return fmt.Sprintf("NVIDIA %s (sm %s)", p.Model, al)
	case VendorAMD:
		return fmt.Sprintf("AMD %s (%s)", p.Model, orUnknown(p.GFX))
	}
	return "no supported GPU detected"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown ISA"
	}
	return s
}

// Provider yields the GPU profile of the current host.
type Provider interface {
	Detect(ctx context.Context) (Profile, error)
}

// Static returns a fixed profile.
type Static Profile

func (s Static) Detect(context.Context) (Profile, error) { return Profile(s), nil }

// System queries nvidia-smi, then lspci.
type System struct {
	Runner executil.Runner
}

var lookPath = exec.LookPath

func (s System) Detect(ctx context.Context) (Profile, error) {
	r := s.Runner
	if r == nil {
		r = executil.OS{}
	}
	if _, err := lookPath("nvidia-smi"); err == nil {
		res, err := r.Run(ctx, executil.Cmd{Path: "nvidia-smi", Args: []string{"--query-gpu=name,compute_cap", "--format=csv,noheader"}})
		if err != nil {
			// older drivers do not know compute_cap
			res, err = r.Run(ctx, executil.Cmd{Path: "nvidia-smi", Args: []string{"--query-gpu=name", "--format=csv,noheader"}})
		}
		if err == nil {
			if p, ok := ParseNvidiaSMI(string(res.Output)); ok {
				return p, nil
			}
		}
		ui.Log.Debug().Err(err).Msg("nvidia-smi gave no usable output")
	}
	if _, err := lookPath("lspci"); err == nil {
		res, err := r.Run(ctx, executil.Cmd{Path: "lspci"})
		if err == nil {
			if p, ok := ParseLspci(string(res.Output)); ok {
				return p, nil
			}
		}
	}
	return Profile{}, nil
}

// ParseNvidiaSMI reads `nvidia-smi --query-gpu=name[,compute_cap] --format=csv,noheader`.
func ParseNvidiaSMI(out string) (Profile, bool) {
	p := Profile{Vendor: VendorNVIDIA}
	seen := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, capStr, _ := strings.Cut(line, ",")
		name = strings.TrimSpace(name)
		capStr = strings.TrimSpace(capStr)
		if p.Model == "" {
			p.Model = name
		}
		if !capPattern.MatchString(capStr) {
			capStr = capFromModel(name)
		}
		if capStr != "" && !seen[capStr] {
			seen[capStr] = true
			p.ComputeCaps = append(p.ComputeCaps, capStr)
		}
	}
	if p.Model == "" {
		return Profile{}, false
	}
	sort.Slice(p.ComputeCaps, func(i, j int) bool {
		a, _ := strconv.ParseFloat(p.ComputeCaps[i], 64)
		b, _ := strconv.ParseFloat(p.ComputeCaps[j], 64)
		return a < b
	})
	return p, true
}

var capPattern = regexp.MustCompile(`^\d+\.\d+$`)

var modelCaps = []struct {
	re  *regexp.Regexp
	cap string
}{
	{regexp.MustCompile(`(?i)rtx\s*50\d0|rtx pro 6000 blackwell`), "12.0"},
	{regexp.MustCompile(`(?i)\bb200\b|\bb100\b|gb200`), "10.0"},
	{regexp.MustCompile(`(?i)\bh100\b|\bh200\b|gh200`), "9.0"},
	{regexp.MustCompile(`(?i)rtx\s*40\d0|\bl40s?\b|\bl4\b|rtx\s*(2000|4000|4500|5000|6000) ada`), "8.9"},
	{regexp.MustCompile(`(?i)rtx\s*30\d0|\ba10g?\b|\ba40\b|rtx a\d000`), "8.6"},
	{regexp.MustCompile(`(?i)\ba100\b|\ba30\b`), "8.0"},
	{regexp.MustCompile(`(?i)rtx\s*20\d0|gtx\s*16\d0|\bt4\b|titan rtx`), "7.5"},
	{regexp.MustCompile(`(?i)\bv100\b|titan v`), "7.0"},
	{regexp.MustCompile(`(?i)gtx\s*10\d0|\bp100\b|\bp40\b`), "6.1"},
}

func capFromModel(model string) string {
	for _, m := range modelCaps {
		if m.re.MatchString(model) {
			return m.cap
		}
	}
	return ""
}

var lspciGPU = regexp.MustCompile(`(?i)(vga compatible controller|3d controller|display controller):\s*(.+)$`)

// ParseLspci picks the first NVIDIA or AMD display controller from lspci output.
func ParseLspci(out string) (Profile, bool) {
	for _, line := range strings.Split(out, "\n") {
		m := lspciGPU.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		desc := m[2]
		low := strings.ToLower(desc)
		switch {
		case strings.Contains(low, "nvidia"):
			model := bracketed(desc)
			p := Profile{Vendor: VendorNVIDIA, Model: model}
			if c := capFromModel(model); c != "" {
				p.ComputeCaps = []string{c}
			}
			return p, true
		case strings.Contains(low, "advanced micro devices") || strings.Contains(low, "amd/ati") || strings.Contains(low, "radeon"):
			model := bracketed(desc)
			return Profile{Vendor: VendorAMD, Model: model, GFX: gfxFromModel(model)}, true
		}
	}
	return Profile{}, false
}

// bracketed returns the last [...] group, which lspci uses for the marketing name.
func bracketed(desc string) string {
	i := strings.LastIndex(desc, "[")
	j := strings.LastIndex(desc, "]")
	if i >= 0 && j > i {
		return strings.TrimSpace(desc[i+1 : j])
	}
	return strings.TrimSpace(desc)
}

var amdModels = []struct {
	re  *regexp.Regexp
	gfx string
}{
	{regexp.MustCompile(`(?i)rx\s*90\d0`), "gfx1201"},
	{regexp.MustCompile(`(?i)rx\s*7900|navi\s*31`), "gfx1100"},
	{regexp.MustCompile(`(?i)rx\s*7[78]00|navi\s*32`), "gfx1101"},
	{regexp.MustCompile(`(?i)rx\s*7600|navi\s*33`), "gfx1102"},
	{regexp.MustCompile(`(?i)rx\s*6[89]\d0|navi\s*21`), "gfx1030"},
	{regexp.MustCompile(`(?i)rx\s*6[67]\d0|navi\s*2[23]`), "gfx1031"},
	{regexp.MustCompile(`(?i)mi2[15]0`), "gfx90a"},
	{regexp.MustCompile(`(?i)mi300`), "gfx942"},
}

func gfxFromModel(model string) string {
	for _, m := range amdModels {
		if m.re.MatchString(model) {
			return m.gfx
		}
	}
	return ""
}
