// Package executil runs external tools (conda, pip, compilers) with the
// environment and output handling the launcher needs.
package executil

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"mllaunch/internal/ui"
)

// Cmd describes one subprocess invocation.
type Cmd struct {
	Path   string
	Args   []string
	Env    map[string]string // additional env vars, override inherited ones
	Dir    string            // working directory
	Stream bool              // if true, echo output line by line to stdout
	Stdin  io.Reader
	// LogTo, when set, receives a copy of stdout and stderr.
	LogTo io.Writer
}

// Result is what a captured run produced.
type Result struct {
	Output   []byte // combined stdout+stderr
	ExitCode int
}

// Runner executes commands. The default implementation shells out; tests
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, c Cmd) (Result, error)
}

// OS is the real Runner.
type OS struct{}

// Run executes c and captures combined output. When c.Stream is set the
// output is also echoed to stdout as it arrives.
func (OS) Run(ctx context.Context, c Cmd) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.Stdin = c.Stdin
	var buf bytes.Buffer
	sinks := []io.Writer{&buf}
	if c.LogTo != nil {
		sinks = append(sinks, c.LogTo)
	}
	if c.Stream {
		pr, pw := io.Pipe()
		sinks = append(sinks, pw)
		done := make(chan struct{})
		go func() {
			stream(pr, os.Stdout)
			close(done)
		}()
		defer func() {
			_ = pw.Close()
			<-done
		}()
	}
	w := io.MultiWriter(sinks...)
	cmd.Stdout = w
	cmd.Stderr = w
	ui.Log.Debug().Str("cmd", c.Path).Strs("args", c.Args).Str("dir", c.Dir).Msg("exec")
	err := cmd.Run()
	res := Result{Output: buf.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", c.Path, strings.Join(c.Args, " "), err)
	}
	return res, nil
}

func stream(r io.Reader, w io.Writer) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		fmt.Fprintln(w, s.Text())
	}
	// drain whatever is left so the writer side never blocks
	_, _ = io.Copy(io.Discard, r)
}

// MergeEnv overlays extra onto base (KEY=VALUE slices), replacing existing
// keys rather than appending duplicates. Output order is stable.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// Tail returns the last n non-empty lines of out. Lines mentioning errors or
// conflicts are preferred so the summary points at the cause rather than at
// trailing noise.
func Tail(out []byte, n int) []string {
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimRight(l, "\r "); strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	var important []string
	for _, l := range lines {
		low := strings.ToLower(l)
		if strings.Contains(low, "error") || strings.Contains(low, "conflict") || strings.Contains(low, "failed") {
			important = append(important, l)
		}
	}
	pick := lines
	if len(important) > 0 {
		pick = important
	}
	if len(pick) > n {
		pick = pick[len(pick)-n:]
	}
	return pick
}
