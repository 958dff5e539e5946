package launcher

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"mllaunch/internal/conda"
	"mllaunch/internal/config"
	"mllaunch/internal/envprov"
	"mllaunch/internal/executil"
	"mllaunch/internal/gpu"
	"mllaunch/internal/launch"
	"mllaunch/internal/prompt"
	"mllaunch/internal/repo"
)

// Indirection layer to allow stubbing in tests

var (
	fnRunVariant   = runVariant
	fnLoadSettings = config.LoadSettings
	fnDetectConda  = conda.Detect

	fnRunner  = func() executil.Runner { return executil.OS{} }
	fnGit     = func() repo.Git { return repo.GoGit{Progress: os.Stdout} }
	fnGPU     = func(r executil.Runner) gpu.Provider { return gpu.System{Runner: r} }
	fnDecider = func() prompt.Decider { return prompt.NewStdin() }
	fnStarter = func() launch.Starter { return launch.OSStarter{} }

	fnSignals  = notifySignals
	fnCUDAHome = envprov.DetectCUDAHome
	fnNumCPU   = runtime.NumCPU
	fnExit     = os.Exit
)

func notifySignals() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}
