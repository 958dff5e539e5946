// Package conda locates the conda executable and drives environment
// lifecycle operations through it.
package conda

import (
	"fmt"
	"os"
	"os/exec"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/ui"
)

// Detection is where conda was found.
type Detection struct {
	Exe      string
	FromPath bool
}

// NotFoundError is returned when neither PATH nor the configured fallback
// resolve to a conda executable.
type NotFoundError struct {
	Fallback     string
	SettingsFile string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("conda not found on PATH and fallback %q does not exist", e.Fallback)
}

// Remediation lists the ways a user can make conda available.
func (e *NotFoundError) Remediation() []string {
	settings := e.SettingsFile
	if settings == "" {
		settings = "your launcher settings file"
	}
	return []string{
		"Install Miniconda: download https://repo.anaconda.com/miniconda/Miniconda3-latest-Linux-x86_64.sh and run it with:",
		"bash Miniconda3-latest-Linux-x86_64.sh -b -p $HOME/miniconda3",
		"export PATH=\"$HOME/miniconda3/bin:$PATH\"   (add it to ~/.bashrc to make it permanent)",
		fmt.Sprintf("Set CONDA_EXE=/path/to/conda in %s if conda lives elsewhere", settings),
		"conda init   (then open a new shell)",
	}
}

var lookPath = exec.LookPath

// Detect resolves conda from PATH first, then from fallback.
func Detect(fallback, settingsFile string) (Detection, error) {
	if p, err := lookPath("conda"); err == nil {
		ui.Log.Debug().Str("path", p).Msg("conda found on PATH")
		return Detection{Exe: p, FromPath: true}, nil
	}
	exp, err := fsutil.ExpandHome(fallback)
	if err == nil && exp != "" {
		if fi, statErr := os.Stat(exp); statErr == nil && !fi.IsDir() {
			ui.Log.Debug().Str("path", exp).Msg("conda found at configured fallback")
			return Detection{Exe: exp}, nil
		}
	}
	return Detection{}, &NotFoundError{Fallback: fallback, SettingsFile: settingsFile}
}
