package conda

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"mllaunch/internal/executil"
)

// Env is an existing conda environment.
type Env struct {
	Name   string
	Prefix string
}

// Python is the interpreter inside the environment.
func (e Env) Python() string { return filepath.Join(e.Prefix, "bin", "python") }

// Bin resolves an executable inside the environment.
func (e Env) Bin(name string) string { return filepath.Join(e.Prefix, "bin", name) }

// Vars are the variables `conda activate` would set, computed without a
// shell. basePath is the PATH to prepend to.
func (e Env) Vars(basePath string) map[string]string {
	path := filepath.Join(e.Prefix, "bin")
	if basePath != "" {
		path += string(os.PathListSeparator) + basePath
	}
	return map[string]string{
		"PATH":              path,
		"CONDA_PREFIX":      e.Prefix,
		"CONDA_DEFAULT_ENV": e.Name,
	}
}

// Client wraps the conda CLI.
type Client struct {
	Exe    string
	Runner executil.Runner
}

func New(exe string, r executil.Runner) *Client {
	if r == nil {
		r = executil.OS{}
	}
	return &Client{Exe: exe, Runner: r}
}

type envList struct {
	Envs []string `json:"envs"`
}

// List returns all environments conda knows about. The first entry of
// `conda env list` is the base install.
func (c *Client) List(ctx context.Context) ([]Env, error) {
	res, err := c.Runner.Run(ctx, executil.Cmd{Path: c.Exe, Args: []string{"env", "list", "--json"}})
	if err != nil {
		return nil, fmt.Errorf("list conda envs: %w", err)
	}
	var l envList
	if err := jsoniter.Unmarshal(jsonPart(res.Output), &l); err != nil {
		return nil, fmt.Errorf("parse conda env list: %w", err)
	}
	out := make([]Env, 0, len(l.Envs))
	for i, p := range l.Envs {
		name := filepath.Base(p)
		if i == 0 && filepath.Base(filepath.Dir(p)) != "envs" {
			name = "base"
		}
		out = append(out, Env{Name: name, Prefix: p})
	}
	return out, nil
}

// jsonPart skips any banner conda prints before the JSON document.
func jsonPart(b []byte) []byte {
	s := string(b)
	if i := strings.Index(s, "{"); i > 0 {
		return []byte(s[i:])
	}
	return b
}

// Find looks an environment up by name.
func (c *Client) Find(ctx context.Context, name string) (Env, bool, error) {
	envs, err := c.List(ctx)
	if err != nil {
		return Env{}, false, err
	}
	for _, e := range envs {
		if e.Name == name {
			return e, true, nil
		}
	}
	return Env{}, false, nil
}

// Create builds an environment from a definition file, copying tool output to log.
func (c *Client) Create(ctx context.Context, name, file string, log io.Writer) (executil.Result, error) {
	return c.Runner.Run(ctx, executil.Cmd{
		Path:   c.Exe,
		Args:   []string{"env", "create", "-n", name, "-f", file, "--yes"},
		Dir:    filepath.Dir(file),
		Stream: true,
		LogTo:  log,
	})
}

// Remove deletes an environment.
func (c *Client) Remove(ctx context.Context, name string) error {
	_, err := c.Runner.Run(ctx, executil.Cmd{Path: c.Exe, Args: []string{"env", "remove", "-n", name, "-y"}, Stream: true})
	if err != nil {
		return fmt.Errorf("remove conda env %s: %w", name, err)
	}
	return nil
}
