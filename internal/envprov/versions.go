package envprov

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	jsoniter "github.com/json-iterator/go"

	"mllaunch/internal/conda"
	"mllaunch/internal/executil"
	"mllaunch/internal/ui"
)

// Requirement is one pinned line of a requirements manifest.
type Requirement struct {
	Name    string
	Op      string // "==" or ">="
	Version string
}

func (r Requirement) String() string { return r.Name + r.Op + r.Version }

var reqLine = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(?:\[[^\]]*\])?\s*(==|>=)\s*([^\s,;#]+)`)

// ParseRequirements extracts the == and >= pins. Other operators, options,
// URLs and editable installs are ignored.
func ParseRequirements(r io.Reader) []Requirement {
	var out []Requirement
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		m := reqLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Requirement{Name: normalizeName(m[1]), Op: m[2], Version: m[3]})
	}
	return out
}

func normalizeName(n string) string {
	return strings.ReplaceAll(strings.ReplaceAll(strings.ToLower(n), "_", "-"), ".", "-")
}

// Mismatch is a requirement the installed package does not satisfy.
type Mismatch struct {
	Requirement
	Installed string
}

// VersionReport summarizes CheckVersions.
type VersionReport struct {
	File       string
	Checked    int
	Mismatches []Mismatch
	Fixed      []string
	Unresolved []string
}

type pipEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InstalledPackages returns pip's view of the environment keyed by
// normalized name.
func (p *Provisioner) InstalledPackages(ctx context.Context, env conda.Env) (map[string]string, error) {
	res, err := p.runner().Run(ctx, executil.Cmd{
		Path: env.Python(),
		Args: []string{"-m", "pip", "list", "--format=json", "--disable-pip-version-check"},
		Env:  env.Vars(os.Getenv("PATH")),
	})
	if err != nil {
		return nil, fmt.Errorf("pip list: %w", err)
	}
	var entries []pipEntry
	if err := jsoniter.Unmarshal(listPart(res.Output), &entries); err != nil {
		return nil, fmt.Errorf("parse pip list: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[normalizeName(e.Name)] = e.Version
	}
	return out, nil
}

func listPart(b []byte) []byte {
	s := string(b)
	if i := strings.Index(s, "["); i > 0 {
		return []byte(s[i:])
	}
	return b
}

// Satisfies reports whether installed meets req. ok is false when either
// version cannot be parsed.
func Satisfies(req Requirement, installed string) (satisfied, ok bool) {
	have, err := semver.NewVersion(stripLocal(installed))
	if err != nil {
		return false, false
	}
	want, err := semver.NewVersion(stripLocal(req.Version))
	if err != nil {
		return false, false
	}
	switch req.Op {
	case "==":
		return have.Equal(want), true
	case ">=":
		return !have.LessThan(want), true
	}
	return false, false
}

// stripLocal drops PEP 440 local labels ("2.1.0+cu121").
func stripLocal(v string) string {
	if i := strings.IndexByte(v, '+'); i >= 0 {
		return v[:i]
	}
	return v
}

// CheckVersions compares the first existing manifest in files (relative to
// repoDir) against the environment. Mismatches are reinstalled when autoFix
// is set or the Decider agrees. Nothing here is fatal.
func (p *Provisioner) CheckVersions(ctx context.Context, env conda.Env, repoDir string, files []string, autoFix bool) (VersionReport, error) {
	var rep VersionReport
	for _, f := range files {
		path := filepath.Join(repoDir, f)
		if _, err := os.Stat(path); err == nil {
			rep.File = path
			break
		}
	}
	if rep.File == "" {
		ui.Log.Debug().Strs("candidates", files).Msg("no requirements manifest, skipping version check")
		return rep, nil
	}
	fh, err := os.Open(rep.File)
	if err != nil {
		return rep, err
	}
	reqs := ParseRequirements(fh)
	_ = fh.Close()

	installed, err := p.InstalledPackages(ctx, env)
	if err != nil {
		return rep, err
	}
	for _, r := range reqs {
		have, ok := installed[r.Name]
		if !ok {
			rep.Unresolved = append(rep.Unresolved, r.Name)
			ui.Log.Debug().Str("package", r.Name).Msg("not installed, leaving it to the application installer")
			continue
		}
		sat, parsed := Satisfies(r, have)
		if !parsed {
			rep.Unresolved = append(rep.Unresolved, r.Name)
			ui.Log.Debug().Str("package", r.Name).Str("installed", have).Str("want", r.String()).Msg("unparsable version, skipped")
			continue
		}
		rep.Checked++
		if !sat {
			rep.Mismatches = append(rep.Mismatches, Mismatch{Requirement: r, Installed: have})
		}
	}
	for _, m := range rep.Mismatches {
		fix := autoFix
		if !fix && p.Decider != nil {
			fix, _ = p.Decider.Confirm(fmt.Sprintf("%s is %s but %s is required. Reinstall?", m.Name, m.Installed, m.Requirement), false)
		}
		if !fix {
			ui.Log.Warn().Str("package", m.Name).Str("installed", m.Installed).Str("want", m.Requirement.String()).Msg("version mismatch left in place")
			continue
		}
		_, err := p.runner().Run(ctx, executil.Cmd{
			Path:   env.Python(),
			Args:   []string{"-m", "pip", "install", m.Requirement.String()},
			Env:    env.Vars(os.Getenv("PATH")),
			Stream: true,
		})
		if err != nil {
			ui.Log.Warn().Err(err).Str("package", m.Name).Msg("reinstall failed")
			continue
		}
		rep.Fixed = append(rep.Fixed, m.Name)
	}
	return rep, nil
}
