// Package launcher is the mllaunch command line: one subcommand per wrapped
// application, each running the full prepare-and-launch pipeline.
package launcher

import (
	"io"
	"os"

	"mllaunch/internal/config"
	"mllaunch/internal/ui"
)

// Config holds the persistent flags shared by every variant.
type Config struct {
	LogLvl       string
	SettingsPath string
	ProfilePath  string
	MetricsFile  string
	BaseDir      string
}

// Options are the per-run flags of a variant command.
type Options struct {
	ModelsDir    string
	OutputDir    string
	TempDir      string
	UseCustomDir bool

	CleanCache       bool
	RebuildEnv       bool
	NoGitUpdate      bool
	DisableTcmalloc  bool
	SkipPackageCheck bool

	Sage2       bool
	Sage3       bool
	DisableSage bool

	Host       string
	Port       int
	LaunchMode string
	Yes        bool

	// Passthrough are the arguments forwarded verbatim to the application.
	Passthrough []string
}

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// MainWithArgs is a testable variant of Main that accepts args explicitly.
// It returns the process exit code: the child's status after a launch, 1 on
// any fatal precondition failure, 0 after printing help.
func MainWithArgs(args []string) int {
	cfg := &Config{LogLvl: config.LogLevelFromEnv(), BaseDir: config.DefaultBaseDir()}
	code := 0
	root := buildRootCmdWith(cfg, &code)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) == 0 {
		_ = root.Help()
		return 0
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		printFatal(ui.NewConsoleWith(stdout, stderr), err)
		return 1
	}
	return code
}

// Main returns an exit code for use by cmd/mllaunch.
func Main() int { return MainWithArgs(os.Args[1:]) }
