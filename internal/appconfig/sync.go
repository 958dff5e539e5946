// Package appconfig merges launcher-resolved values into a wrapped
// application's JSON settings file without disturbing keys it does not own.
package appconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/ui"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Relocation re-roots stale absolute paths stored under Keys. A path that no
// longer exists is rebuilt as NewBase + the part after the last Segment
// component; if that does not exist either, the entry is dropped.
type Relocation struct {
	Keys    []string
	Segment string
	NewBase string
}

// Options tune a Sync.
type Options struct {
	Relocation Relocation
	// CreateIfMissing allows creating the file when it does not exist yet.
	CreateIfMissing bool
}

// Result reports what a Sync did.
type Result struct {
	Written   bool
	Created   bool
	Changed   []string
	Relocated []string
	Dropped   []string
}

// Sync merges values into the JSON object at path. The file is only
// rewritten when something actually differs.
func Sync(path string, values map[string]any, opts Options) (Result, error) {
	var res Result
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("read %s: %w", path, err)
		}
		if !opts.CreateIfMissing || len(values) == 0 {
			ui.Log.Debug().Str("path", path).Msg("app config absent and nothing to record")
			return res, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return res, err
		}
		if err := write(path, values, 0o644); err != nil {
			return res, err
		}
		res.Written, res.Created = true, true
		res.Changed = sortedKeys(values)
		return res, nil
	}

	doc := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return res, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	for _, k := range sortedKeys(values) {
		v := values[k]
		if old, ok := doc[k]; ok && sameJSON(old, v) {
			continue
		}
		doc[k] = v
		res.Changed = append(res.Changed, k)
	}
	relocate(doc, opts.Relocation, &res)

	if len(res.Changed) == 0 && len(res.Relocated) == 0 && len(res.Dropped) == 0 {
		return res, nil
	}
	perm := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		perm = fi.Mode().Perm()
	}
	if err := write(path, doc, perm); err != nil {
		return res, err
	}
	res.Written = true
	return res, nil
}

func write(path string, doc map[string]any, perm os.FileMode) error {
	b, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	b = append(b, '\n')
	if err := fsutil.WriteFileAtomic(path, b, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func sameJSON(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func relocate(doc map[string]any, r Relocation, res *Result) {
	if r.Segment == "" || len(r.Keys) == 0 {
		return
	}
	for _, key := range r.Keys {
		switch v := doc[key].(type) {
		case string:
			np, keep := relocatePath(v, r)
			switch {
			case !keep:
				delete(doc, key)
				res.Dropped = append(res.Dropped, v)
				ui.Log.Warn().Str("key", key).Str("path", v).Msg("dropping stale path that could not be relocated")
			case np != v:
				doc[key] = np
				res.Relocated = append(res.Relocated, np)
			}
		case []any:
			out := make([]any, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					out = append(out, item)
					continue
				}
				np, keep := relocatePath(s, r)
				if !keep {
					res.Dropped = append(res.Dropped, s)
					ui.Log.Warn().Str("key", key).Str("path", s).Msg("dropping stale path that could not be relocated")
					continue
				}
				if np != s {
					res.Relocated = append(res.Relocated, np)
				}
				out = append(out, np)
			}
			doc[key] = out
		}
	}
}

// relocatePath returns the path to store and whether to keep the entry.
func relocatePath(p string, r Relocation) (string, bool) {
	if p == "" || !filepath.IsAbs(p) || fsutil.PathExists(p) {
		return p, true
	}
	if r.NewBase == "" {
		return p, false
	}
	parts := strings.Split(filepath.ToSlash(filepath.Clean(p)), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != r.Segment {
			continue
		}
		candidate := filepath.Join(append([]string{r.NewBase}, parts[i+1:]...)...)
		if fsutil.PathExists(candidate) {
			return candidate, true
		}
		break
	}
	return p, false
}
