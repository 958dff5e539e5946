// Package cache removes ephemeral caches left behind by the wrapped
// applications and their toolchains.
package cache

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/ui"
)

// Manager cleans a fixed set of ephemeral locations plus an optional
// user-configured temp directory that is only emptied above a size threshold.
type Manager struct {
	// Ephemeral paths are removed outright whenever cleanup runs.
	Ephemeral []string
	// TempDir is emptied (not removed) when forced or above ThresholdMB.
	TempDir     string
	ThresholdMB int
	// Auto is AUTO_CACHE_CLEANUP.
	Auto bool

	once sync.Once
}

// Report describes one cleanup pass.
type Report struct {
	Ran         bool
	Removed     []string
	TempSize    int64
	TempCleared bool
}

// TempSizeHuman renders the measured temp dir size.
func (r Report) TempSizeHuman() string { return humanize.Bytes(uint64(r.TempSize)) }

// DefaultEphemeral is the cache set shared by every variant.
func DefaultEphemeral() []string {
	out := []string{filepath.Join(os.TempDir(), "gradio")}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".cache", "mllaunch", "pip-build"))
	}
	return out
}

// Clean runs one pass. Errors from individual paths are collected; the pass
// continues past them.
func (m *Manager) Clean(force bool) (Report, error) {
	var rep Report
	if !m.Auto && !force {
		ui.Log.Debug().Msg("cache cleanup disabled")
		return rep, nil
	}
	rep.Ran = true
	var errs *multierror.Error
	for _, p := range m.Ephemeral {
		if !safeToDelete(p) {
			ui.Log.Warn().Str("path", p).Msg("refusing to delete unsafe cache path")
			continue
		}
		if !fsutil.PathExists(p) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		rep.Removed = append(rep.Removed, p)
		ui.Log.Debug().Str("path", p).Msg("removed cache")
	}

	if m.TempDir != "" && fsutil.IsDir(m.TempDir) {
		size, err := fsutil.DirSize(m.TempDir)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		rep.TempSize = size
		limit := int64(m.ThresholdMB) * 1024 * 1024
		switch {
		case !safeToDelete(m.TempDir):
			ui.Log.Warn().Str("path", m.TempDir).Msg("refusing to empty unsafe temp path")
		case force || size > limit:
			if err := fsutil.RemoveContents(m.TempDir); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				rep.TempCleared = true
				ui.Log.Info().Str("path", m.TempDir).Str("size", rep.TempSizeHuman()).Msg("emptied temp cache")
			}
		default:
			ui.Log.Info().Str("path", m.TempDir).Str("size", rep.TempSizeHuman()).
				Str("threshold", humanize.Bytes(uint64(limit))).Msg("temp cache below threshold, kept")
		}
	}
	return rep, errs.ErrorOrNil()
}

// Hook returns a cleanup func safe to register both with defer and a signal
// handler; it runs at most once.
func (m *Manager) Hook(force bool) func() {
	return func() {
		m.once.Do(func() {
			if _, err := m.Clean(force); err != nil {
				ui.Log.Warn().Err(err).Msg("exit-time cache cleanup incomplete")
			}
		})
	}
}

func safeToDelete(p string) bool {
	clean := filepath.Clean(p)
	if clean == "/" || clean == "." || !filepath.IsAbs(clean) {
		return false
	}
	if home, err := os.UserHomeDir(); err == nil && clean == filepath.Clean(home) {
		return false
	}
	return true
}
