package launcher

import (
	"fmt"

	"github.com/spf13/cobra"

	"mllaunch/internal/ui"
	"mllaunch/internal/variants"
)

// buildRootCmdWith constructs the command tree. Variant commands write the
// child's exit status into code.
func buildRootCmdWith(cfg *Config, code *int) *cobra.Command {
	root := &cobra.Command{
		Use:           "mllaunch",
		Short:         "Prepare conda environments and launch local image/video generation UIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("log-level", cfg.LogLvl, "Log level: debug|info|warn|error (defaults MLLAUNCH_LOG_LEVEL or info)")
	pf.String("settings", cfg.SettingsPath, "Settings file (defaults MLLAUNCH_SETTINGS or <base-dir>/<variant>_config.sh)")
	pf.String("profile", cfg.ProfilePath, "Variant profile overriding repo/env defaults (.yaml, .json or .toml)")
	pf.String("metrics-file", cfg.MetricsFile, "Write a Prometheus textfile report of the run here")
	pf.String("base-dir", cfg.BaseDir, "Directory holding repositories, settings and output_path.json (defaults MLLAUNCH_HOME or cwd)")

	for _, name := range variants.Names() {
		root.AddCommand(variantCmd(name, cfg, code))
	}

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cmd.OutOrStdout(), true) }})
	root.AddCommand(completionCmd)

	return root
}

func variantCmd(name string, cfg *Config, code *int) *cobra.Command {
	d, _ := variants.Lookup(name)
	opts := &Options{}
	cmd := &cobra.Command{
		Use:     name + " [flags] [-- app args]",
		Short:   "Prepare and launch " + d.Display,
		Example: fmt.Sprintf("  mllaunch %s --output-dir ~/outputs\n  mllaunch %s --rebuild-env -- --some-app-flag", name, name),
		// unknown flags belong to the application, so parsing is done by hand
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// merges the root's persistent flags into cmd.Flags() so they
			// parse alongside the variant's own
			_ = cmd.InheritedFlags()
			fs := cmd.Flags()
			known, pass := ExtractPassthrough(fs, args)
			if err := fs.Parse(known); err != nil {
				return fatal(KindUsage, "invalid arguments", err, fmt.Sprintf("mllaunch %s --help", name))
			}
			if h, _ := fs.GetBool("help"); h {
				return cmd.Help()
			}
			readPersistent(cmd, cfg)
			ui.SetLogLevel(cfg.LogLvl)
			if n := boolCount(opts.Sage2, opts.Sage3, opts.DisableSage); n > 1 {
				return fatal(KindUsage, "--sage2, --sage3 and --disable-sage are mutually exclusive", nil, fmt.Sprintf("mllaunch %s --sage2", name))
			}
			run := *opts
			run.Passthrough = pass
			n, err := fnRunVariant(cmd.Context(), name, cfg, run)
			*code = n
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ModelsDir, "models-dir", "", "Models directory (highest precedence)")
	f.BoolVarP(&opts.UseCustomDir, "use-custom-dir", "c", false, "Use CUSTOM_MODELS_DIR from the settings file")
	f.StringVar(&opts.OutputDir, "output-dir", "", "Output directory (highest precedence)")
	f.StringVar(&opts.TempDir, "temp-dir", "", "Temp directory; must already exist")
	f.BoolVar(&opts.CleanCache, "clean-cache", false, "Force cache cleanup, including the temp directory")
	f.BoolVar(&opts.RebuildEnv, "rebuild-env", false, "Remove and recreate the conda environment")
	f.BoolVar(&opts.NoGitUpdate, "no-git-update", false, "Skip the repository update for this run")
	f.BoolVar(&opts.DisableTcmalloc, "disable-tcmalloc", false, "Do not preload tcmalloc")
	f.BoolVar(&opts.SkipPackageCheck, "skip-package-check", false, "Skip the installed package version check")
	if d.SageSupported {
		f.BoolVar(&opts.Sage2, "sage2", false, "Use SageAttention 2")
		f.BoolVar(&opts.Sage3, "sage3", false, "Use SageAttention 3 (Blackwell GPUs)")
		f.BoolVar(&opts.DisableSage, "disable-sage", false, "Do not use SageAttention")
	}
	f.StringVar(&opts.Host, "host", "", "Listen address (defaults HOST or 127.0.0.1)")
	f.IntVar(&opts.Port, "port", 0, fmt.Sprintf("Listen port (defaults PORT or %d)", d.DefaultPort))
	if d.Family == variants.FamilySwarm {
		f.StringVar(&opts.LaunchMode, "launch-mode", "", "SwarmUI launch mode: web|webinstall|none")
	}
	f.BoolVarP(&opts.Yes, "yes", "y", false, "Answer every prompt with its default (also MLLAUNCH_YES=1)")
	return cmd
}

// readPersistent copies the root's persistent flags into cfg after parsing.
func readPersistent(cmd *cobra.Command, cfg *Config) {
	str := func(name string, dst *string) {
		if f := cmd.Flags().Lookup(name); f != nil {
			if v := f.Value.String(); v != "" {
				*dst = v
			}
		}
	}
	str("log-level", &cfg.LogLvl)
	str("settings", &cfg.SettingsPath)
	str("profile", &cfg.ProfilePath)
	str("metrics-file", &cfg.MetricsFile)
	str("base-dir", &cfg.BaseDir)
}

func boolCount(bs ...bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}
