package launcher

import (
	"errors"
	"fmt"

	"mllaunch/internal/ui"
)

// Kind classifies a fatal failure.
type Kind int

const (
	KindUsage Kind = iota
	KindPrerequisite
	KindClone
	KindEnvBuild
	KindActivation
	KindPath
	KindLaunch
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindPrerequisite:
		return "missing-prerequisite"
	case KindClone:
		return "clone"
	case KindEnvBuild:
		return "environment-build"
	case KindActivation:
		return "activation"
	case KindPath:
		return "path-validation"
	case KindLaunch:
		return "launch"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// FatalError stops the run with exit code 1. Remediation always has at
// least one entry by the time it is printed.
type FatalError struct {
	Kind        Kind
	Msg         string
	Remediation []string
	// Summary is bounded tool output shown under the message.
	Summary []string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

type remediator interface {
	Remediation() []string
}

// fatal wraps err, taking remediation from err when it offers some and
// appending extra.
func fatal(kind Kind, msg string, err error, extra ...string) *FatalError {
	fe := &FatalError{Kind: kind, Msg: msg, Err: err}
	var r remediator
	if errors.As(err, &r) {
		fe.Remediation = append(fe.Remediation, r.Remediation()...)
	}
	fe.Remediation = append(fe.Remediation, extra...)
	return fe
}

func printFatal(c *ui.Console, err error) {
	var fe *FatalError
	if !errors.As(err, &fe) {
		fe = &FatalError{Kind: KindUsage, Msg: err.Error()}
	}
	c.Error("%s", fe.Error())
	c.Tail(fe.Summary)
	lines := fe.Remediation
	if len(lines) == 0 {
		lines = []string{"Re-run with --log-level debug to see every command the launcher executed", "mllaunch --help"}
	}
	c.Remediation(lines)
	ui.Log.Debug().Str("kind", fe.Kind.String()).Err(fe.Err).Msg("fatal")
}
