package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"mllaunch/internal/appconfig"
	"mllaunch/internal/cache"
	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/conda"
	"mllaunch/internal/config"
	"mllaunch/internal/envprov"
	"mllaunch/internal/launch"
	"mllaunch/internal/paths"
	"mllaunch/internal/prompt"
	"mllaunch/internal/repo"
	"mllaunch/internal/report"
	"mllaunch/internal/ui"
	"mllaunch/internal/variants"
)

// runVariant prepares everything the application needs and launches it. It
// returns the child's exit status, or 1 with a *FatalError.
func runVariant(ctx context.Context, name string, cfg *Config, opts Options) (int, error) {
	con := ui.NewConsoleWith(stdout, stderr)
	desc, err := variants.Lookup(name)
	if err != nil {
		return 1, fatal(KindUsage, "unknown application", err, "mllaunch --help")
	}
	if cfg.ProfilePath != "" {
		p, err := config.Load(cfg.ProfilePath)
		if err != nil {
			return 1, fatal(KindUsage, "cannot load profile", err, "Check the file syntax or drop --profile: "+cfg.ProfilePath)
		}
		desc = desc.WithProfile(p)
	}

	base := cfg.BaseDir
	settingsPath := cfg.SettingsPath
	if settingsPath == "" {
		settingsPath = config.DefaultSettingsPath(base, name)
	}
	con.Step("Preparing %s", desc.Display)
	s, err := fnLoadSettings(settingsPath, desc.Defaults(base))
	if err != nil {
		con.Warn("Settings file unreadable, using defaults: %v", err)
		s = config.Defaults(desc.Defaults(base))
	}
	s = applyOverrides(s, opts, cfg)

	rep := report.New(name)
	defer func() {
		if err := rep.WriteFile(s.MetricsFile); err != nil {
			ui.Log.Warn().Err(err).Str("path", s.MetricsFile).Msg("could not write run report")
		}
	}()

	unattended := opts.Yes || config.Unattended()
	var decider prompt.Decider = prompt.Unattended{}
	if !unattended {
		decider = fnDecider()
	}

	// conda
	done := rep.Step("conda")
	det, err := fnDetectConda(s.CondaExe, settingsPath)
	done()
	if err != nil {
		return 1, fatal(KindPrerequisite, "conda is required", err)
	}
	con.Success("conda: %s", det.Exe)

	// repository
	done = rep.Step("repo")
	git := fnGit()
	official := desc.Official
	if s.RepoBranch != "" {
		official.Branch = s.RepoBranch
	}
	sources := []variants.Source{official}
	if s.RepoForkURL != "" {
		branch := s.RepoForkBranch
		if branch == "" {
			branch = official.Branch
		}
		sources = append(sources, variants.Source{Name: "fork", URL: s.RepoForkURL, Branch: branch})
	}
	prov := &repo.Provisioner{
		Dir:        s.RepoDir,
		Sources:    sources,
		AutoSelect: s.AutoSelectRepo || unattended,
		AutoUpdate: s.AutoGitUpdate,
		SkipUpdate: opts.NoGitUpdate,
		Decider:    decider,
		Git:        git,
	}
	ro, err := prov.Ensure(ctx)
	done()
	if err != nil {
		return 1, fatal(KindClone, "could not prepare the "+desc.Display+" checkout", err,
			fmt.Sprintf("git clone -b %s %s %s", official.Branch, official.URL, s.RepoDir),
			"Check network access to the remote: git ls-remote "+official.URL,
			"Point REPO_DIR in the settings file at an existing checkout",
		)
	}
	switch {
	case ro.Cloned:
		con.Success("Cloned %s (%s)", ro.Source.URL, repo.ShortRev(ro.NewRev))
	case ro.UpdateErr != nil:
		con.Warn("Repository update failed, using the current checkout: %v", ro.UpdateErr)
	case ro.Updated:
		con.Success("Updated %s -> %s", repo.ShortRev(ro.OldRev), repo.ShortRev(ro.NewRev))
	default:
		con.Success("Repository ready: %s", s.RepoDir)
	}

	// directories
	done = rep.Step("paths")
	sidecarPath := filepath.Join(base, paths.SidecarName)
	sc, found, err := paths.ReadSidecar(sidecarPath)
	if err != nil {
		con.Warn("Ignoring %s: %v", sidecarPath, err)
	} else if found {
		ui.Log.Debug().Str("path", sidecarPath).Msg("sidecar loaded")
	}
	res := paths.Resolve(paths.Inputs{
		FlagModels: opts.ModelsDir,
		FlagOutput: opts.OutputDir,
		FlagTemp:   opts.TempDir,
		UseCustom:  opts.UseCustomDir,
		Sidecar:    sc,
		Settings:   s,
	})
	for _, v := range []struct {
		name string
		val  paths.Value
	}{{"models", res.Models}, {"output", res.Output}, {"temp", res.Temp}} {
		ui.Log.Info().Str("dir", v.name).Str("path", v.val.Path).Str("source", v.val.Source.String()).Msg("resolved directory")
	}
	err = paths.Validate(res, paths.Options{AutoCreate: s.AutoCreateDirs, Validate: s.ValidateDirs, OutputSubdirs: desc.OutputSubdirs})
	done()
	if err != nil {
		return 1, fatal(KindPath, "directory check failed", err)
	}
	if res.Output.IsSet() {
		con.Success("Output: %s", res.Output)
	}

	// caches
	eph := cache.DefaultEphemeral()
	for _, c := range desc.CacheDirs {
		eph = append(eph, filepath.Join(s.RepoDir, c))
	}
	cm := &cache.Manager{Ephemeral: eph, ThresholdMB: s.CacheSizeThresholdMB, Auto: s.AutoCacheCleanup}
	if res.Temp.Explicit() {
		cm.TempDir = res.Temp.Path
	}
	if cr, err := cm.Clean(opts.CleanCache); err != nil {
		con.Warn("Cache cleanup incomplete: %v", err)
	} else if cr.Ran && cm.TempDir != "" {
		rep.CacheSize(cm.TempDir, cr.TempSize)
		if cr.TempCleared {
			con.Success("Cleared temp cache %s (%s)", cm.TempDir, cr.TempSizeHuman())
		} else {
			con.Info("Temp cache %s is %s", cm.TempDir, cr.TempSizeHuman())
		}
	}
	cleanup := cm.Hook(opts.CleanCache)
	defer cleanup()
	sigs := fnSignals()
	stopWatch := watchInterrupts(sigs, cleanup)
	defer stopWatch()

	// GPU
	runner := fnRunner()
	prof, err := fnGPU(runner).Detect(ctx)
	if err != nil {
		ui.Log.Warn().Err(err).Msg("GPU detection failed")
	}
	con.Info("GPU: %s", prof)
	want := s.SageVersion
	if !desc.SageSupported {
		want = config.SageNone
	}
	sage := prof.SageFor(want)

	// environment
	done = rep.Step("env")
	envFile := desc.EnvFile
	if sage == config.SageV3 && desc.AltEnvFile != "" {
		envFile = desc.AltEnvFile
	}
	ep := &envprov.Provisioner{
		Conda:   conda.New(det.Exe, runner),
		Runner:  runner,
		Decider: decider,
		Git:     git,
		LogDir:  filepath.Join(s.RepoDir, "logs"),
	}
	eo, err := ep.Ensure(ctx, envprov.Request{
		Name:           s.EnvName,
		File:           findEnvFile(envFile, base, s.RepoDir),
		Rebuild:        opts.RebuildEnv,
		ConfirmRebuild: s.ConfirmRebuild && !unattended,
		ExtraPackages:  append(desc.ExtraPackages, s.ExtraPipPackages...),
	})
	done()
	if err != nil {
		return 1, envFatal(err, s.EnvName)
	}
	if eo.Created {
		con.Success("Created conda environment %s (log: %s)", s.EnvName, eo.LogPath)
	} else {
		con.Success("conda environment %s: %s", s.EnvName, eo.Env.Prefix)
	}

	// optional native extension
	cudaHome := fnCUDAHome()
	if sage == config.SageV2 || sage == config.SageV3 {
		done = rep.Step("sage")
		sr := ep.BuildSage(ctx, envprov.SageRequest{
			Version:  sage,
			Env:      eo.Env,
			GPU:      prof,
			CUDAHome: cudaHome,
			WorkDir:  filepath.Join(base, "build"),
			Jobs:     config.BuildJobsOverride(),
		})
		done()
		rep.SageBuild(sr.Available())
		if sr.Available() {
			con.Success("%s", sr.Describe())
		} else {
			con.Warn("%s", sr.Describe())
			if h := sr.Failure.Hint(); h != "" {
				con.Subtle("    %s", h)
			}
			if sr.LogPath != "" {
				con.Subtle("    build log: %s", sr.LogPath)
			}
			sage = config.SageNone
		}
	}

	if !opts.SkipPackageCheck && len(desc.RequirementsFiles) > 0 {
		done = rep.Step("versions")
		vr, err := ep.CheckVersions(ctx, eo.Env, s.RepoDir, desc.RequirementsFiles, s.AutoFixPackages)
		done()
		if err != nil {
			con.Warn("Package check skipped: %v", err)
		} else if len(vr.Mismatches) > len(vr.Fixed) {
			con.Warn("%d package(s) differ from %s", len(vr.Mismatches)-len(vr.Fixed), filepath.Base(vr.File))
		}
	}

	syncAppConfig(con, desc, s, res)

	plan := launch.BuildPlan(launch.Input{
		Variant:         desc,
		RepoDir:         s.RepoDir,
		Env:             eo.Env,
		Paths:           res,
		Host:            s.Host,
		Port:            s.Port,
		LaunchMode:      s.LaunchMode,
		Sage:            sage,
		GPU:             prof,
		CUDAHome:        cudaHome,
		DisableTcmalloc: s.DisableTcmalloc,
		HFToken:         s.HFToken,
		Passthrough:     opts.Passthrough,
		NumCPU:          fnNumCPU(),
		Jobs:            config.BuildJobsOverride(),
	})
	con.Step("Launching %s", desc.Display)
	con.Subtle("    %s", strings.Join(plan.Argv(), " "))

	stopWatch()
	l := &launch.Launcher{
		Starter:  fnStarter(),
		Signals:  sigs,
		OnLaunch: func(int) { rep.Launch() },
	}
	code, err := l.Run(ctx, plan)
	if err != nil {
		return 1, fatal(KindLaunch, "could not start "+desc.Display, err,
			"Check that the entry point exists: ls "+plan.Path,
			"Rebuild the environment: mllaunch "+name+" --rebuild-env",
		)
	}
	return code, nil
}

func applyOverrides(s config.Settings, o Options, cfg *Config) config.Settings {
	if o.Host != "" {
		s.Host = o.Host
	}
	if o.Port != 0 {
		s.Port = o.Port
	}
	if o.LaunchMode != "" {
		s.LaunchMode = o.LaunchMode
	}
	if o.DisableTcmalloc {
		s.DisableTcmalloc = true
	}
	switch {
	case o.DisableSage:
		s.SageVersion = config.SageNone
	case o.Sage3:
		s.SageVersion = config.SageV3
	case o.Sage2:
		s.SageVersion = config.SageV2
	}
	if cfg.MetricsFile != "" {
		s.MetricsFile = cfg.MetricsFile
	}
	return s
}

// findEnvFile looks for the definition next to the launcher first, then in
// the application checkout.
func findEnvFile(name, base, repoDir string) string {
	for _, dir := range []string{base, repoDir} {
		p := filepath.Join(dir, name)
		if fsutil.PathExists(p) {
			return p
		}
	}
	return filepath.Join(base, name)
}

func envFatal(err error, name string) *FatalError {
	var ce *envprov.CreateError
	if errors.As(err, &ce) {
		fe := fatal(KindEnvBuild, "conda environment creation failed", err)
		fe.Summary = ce.Summary
		return fe
	}
	var ae *envprov.ActivationError
	if errors.As(err, &ae) {
		return fatal(KindActivation, "conda environment cannot be activated", err)
	}
	return fatal(KindEnvBuild, "conda environment check failed", err,
		"conda env list",
		fmt.Sprintf("conda env remove -n %s -y   (then re-run the launcher)", name),
	)
}

func syncAppConfig(con *ui.Console, desc variants.Descriptor, s config.Settings, res paths.Resolved) {
	if desc.ConfigFile == "" {
		return
	}
	var values map[string]any
	switch desc.Family {
	case variants.FamilyForge:
		values = appconfig.ForgeValues(res.Output.Path, res.Temp.Path, s.AutoLaunchBrowser)
	case variants.FamilyWan:
		values = appconfig.WanValues(res.Output.Path)
	}
	o := appconfig.Options{CreateIfMissing: res.Output.Explicit() || res.Temp.Explicit()}
	if len(desc.Relocation.Keys) > 0 && res.Models.IsSet() {
		o.Relocation = appconfig.Relocation{Keys: desc.Relocation.Keys, Segment: desc.Relocation.Segment, NewBase: res.Models.Path}
	}
	path := filepath.Join(s.RepoDir, desc.ConfigFile)
	r, err := appconfig.Sync(path, values, o)
	if err != nil {
		con.Warn("Could not update %s, the application will use its own defaults: %v", path, err)
		return
	}
	for _, d := range r.Dropped {
		con.Warn("Dropped stale path from %s: %s", desc.ConfigFile, d)
	}
	if r.Written {
		con.Success("Updated %s (%d keys)", desc.ConfigFile, len(r.Changed)+len(r.Relocated))
	}
}

// watchInterrupts runs cleanup and exits when a signal arrives before the
// child is started. The returned stop func hands the channel back.
func watchInterrupts(sigs <-chan os.Signal, cleanup func()) func() {
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case s, ok := <-sigs:
			if !ok {
				return
			}
			ui.Log.Warn().Str("signal", s.String()).Msg("interrupted, cleaning up")
			cleanup()
			fnExit(exitCodeFor(s))
		case <-stop:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-exited
		})
	}
}

func exitCodeFor(s os.Signal) int {
	if sig, ok := s.(syscall.Signal); ok {
		return 128 + int(sig)
	}
	return 1
}
