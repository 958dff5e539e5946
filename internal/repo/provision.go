// Package repo makes sure the wrapped application's source tree is present
// and, optionally, up to date.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/prompt"
	"mllaunch/internal/ui"
	"mllaunch/internal/variants"
)

// UpstreamRemote is the name given to the official repository when a fork
// was cloned, so upstream changes can be merged by hand later.
const UpstreamRemote = "upstream"

// Provisioner ensures a checkout exists at Dir.
type Provisioner struct {
	Dir string
	// Sources[0] is the official repository; further entries are forks.
	Sources    []variants.Source
	AutoSelect bool
	AutoUpdate bool
	// SkipUpdate is --no-git-update for this run.
	SkipUpdate bool
	Decider    prompt.Decider
	Git        Git
}

// Outcome reports what Ensure did.
type Outcome struct {
	Cloned    bool
	Source    variants.Source
	Updated   bool
	OldRev    string
	NewRev    string
	UpdateErr error
}

// Ensure clones when the directory is missing and updates it otherwise.
// Clone failures are returned; update failures are recorded in Outcome and
// only logged.
func (p *Provisioner) Ensure(ctx context.Context) (Outcome, error) {
	if len(p.Sources) == 0 {
		return Outcome{}, fmt.Errorf("no repository sources configured")
	}
	if !fsutil.PathExists(filepath.Join(p.Dir, ".git")) {
		if fsutil.IsDir(p.Dir) && !emptyDir(p.Dir) {
			return Outcome{}, fmt.Errorf("%s exists but is not a git checkout", p.Dir)
		}
		return p.clone(ctx)
	}
	out := Outcome{Source: p.Sources[0]}
	if !p.AutoUpdate || p.SkipUpdate {
		ui.Log.Debug().Bool("auto", p.AutoUpdate).Bool("skip", p.SkipUpdate).Msg("repository update skipped")
		return out, nil
	}
	p.update(ctx, &out)
	return out, nil
}

func (p *Provisioner) clone(ctx context.Context) (Outcome, error) {
	idx := 0
	if len(p.Sources) > 1 && !p.AutoSelect && p.Decider != nil {
		opts := make([]string, len(p.Sources))
		for i, s := range p.Sources {
			opts[i] = fmt.Sprintf("%s  %s (branch %s)", s.Name, s.URL, s.Branch)
		}
		n, err := p.Decider.Choose("Which repository should be cloned?", opts, 0)
		if err != nil {
			ui.Log.Warn().Err(err).Msg("repository selection failed, using the official source")
			n = 0
		}
		idx = n
	}
	src := p.Sources[idx]
	if err := os.MkdirAll(filepath.Dir(p.Dir), 0o755); err != nil {
		return Outcome{}, err
	}
	ui.Log.Info().Str("url", src.URL).Str("branch", src.Branch).Str("dir", p.Dir).Msg("cloning repository")
	if err := p.Git.Clone(ctx, p.Dir, src.URL, src.Branch); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Cloned: true, Source: src}
	if idx != 0 {
		official := p.Sources[0]
		if err := p.Git.AddRemote(p.Dir, UpstreamRemote, official.URL); err != nil {
			ui.Log.Warn().Err(err).Msg("could not register upstream remote")
		}
	}
	out.NewRev, _ = p.Git.Head(p.Dir)
	return out, nil
}

func (p *Provisioner) update(ctx context.Context, out *Outcome) {
	old, err := p.Git.Head(p.Dir)
	if err != nil {
		out.UpdateErr = err
		ui.Log.Warn().Err(err).Msg("cannot read current revision, skipping update")
		return
	}
	out.OldRev = old
	// origin may be a fork, so the checked-out branch beats the official one
	tracked := p.Sources[0].Branch
	if b, err := p.Git.Branch(p.Dir); err != nil {
		ui.Log.Debug().Err(err).Msg("cannot read checked-out branch")
	} else if b != "" {
		tracked = b
	}
	var lastErr error
	for _, b := range candidateBranches(tracked) {
		err := p.Git.Pull(ctx, p.Dir, "origin", b)
		if err == nil || errors.Is(err, ErrUpToDate) {
			lastErr = nil
			break
		}
		lastErr = err
		if !errors.Is(err, ErrNoSuchBranch) {
			break
		}
	}
	out.NewRev, _ = p.Git.Head(p.Dir)
	if out.NewRev == "" {
		out.NewRev = old
	}
	out.Updated = out.NewRev != old
	if lastErr != nil {
		out.UpdateErr = lastErr
		ui.Log.Warn().Err(lastErr).Msg("repository update failed, continuing with the current checkout")
	}
}

func candidateBranches(configured string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, b := range []string{configured, "main", "master"} {
		if b != "" && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func emptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

// ShortRev trims a revision for display.
func ShortRev(rev string) string {
	if len(rev) > 10 {
		return rev[:10]
	}
	return rev
}
