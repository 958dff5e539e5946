package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"mllaunch/internal/common/fsutil"
	"mllaunch/internal/executil"
	"mllaunch/internal/ui"
)

// State is the launcher's lifecycle position.
type State int

const (
	StatePreparing State = iota
	StateLaunched
	StateRestartRequested
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "PREPARING"
	case StateLaunched:
		return "LAUNCHED"
	case StateRestartRequested:
		return "RESTART_REQUESTED"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Process is a started child.
type Process interface {
	// Wait blocks until exit and returns the exit status.
	Wait() (int, error)
	Signal(os.Signal) error
}

// Starter starts children; tests substitute a fake.
type Starter interface {
	Start(ctx context.Context, p Plan) (Process, error)
}

// OSStarter runs the child with the launcher's stdio.
type OSStarter struct{}

func (OSStarter) Start(_ context.Context, p Plan) (Process, error) {
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = executil.MergeEnv(os.Environ(), p.Env)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.Path, err)
	}
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (o *osProcess) Signal(s os.Signal) error { return o.cmd.Process.Signal(s) }

func (o *osProcess) Wait() (int, error) {
	err := o.cmd.Wait()
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		return -1, err
	}
	if ws, ok := o.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return o.cmd.ProcessState.ExitCode(), nil
}

// Launcher drives PREPARING -> LAUNCHED -> (RESTART_REQUESTED -> LAUNCHED)*
// -> TERMINATED.
type Launcher struct {
	Starter Starter
	// Signals received here are forwarded to the running child. A forwarded
	// signal also suppresses the next restart.
	Signals <-chan os.Signal
	OnState func(State)
	// OnLaunch is called before every child start, restarts included.
	OnLaunch func(attempt int)
	// MaxRestarts stops the loop after that many restarts; 0 means no limit.
	MaxRestarts int
}

func (l *Launcher) enter(s State) {
	ui.Log.Debug().Str("state", s.String()).Msg("launcher state")
	if l.OnState != nil {
		l.OnState(s)
	}
}

// Run starts the plan and returns the final child exit status. The restart
// marker is only read, never removed.
func (l *Launcher) Run(ctx context.Context, p Plan) (int, error) {
	l.enter(StatePreparing)
	starter := l.Starter
	if starter == nil {
		starter = OSStarter{}
	}
	restarts := 0
	for {
		if l.OnLaunch != nil {
			l.OnLaunch(restarts)
		}
		proc, err := starter.Start(ctx, p)
		if err != nil {
			l.enter(StateTerminated)
			return 1, err
		}
		l.enter(StateLaunched)
		code, interrupted, err := l.wait(proc)
		if err != nil {
			l.enter(StateTerminated)
			return code, err
		}
		ui.Log.Info().Int("code", code).Msg("application exited")
		if interrupted || ctx.Err() != nil || p.RestartMarker == "" || !fsutil.PathExists(p.RestartMarker) {
			l.enter(StateTerminated)
			return code, nil
		}
		if l.MaxRestarts > 0 && restarts >= l.MaxRestarts {
			ui.Log.Warn().Int("restarts", restarts).Str("marker", p.RestartMarker).Msg("restart limit reached")
			l.enter(StateTerminated)
			return code, nil
		}
		restarts++
		l.enter(StateRestartRequested)
		ui.Log.Info().Str("marker", p.RestartMarker).Int("restart", restarts).Msg("restart requested")
	}
}

func (l *Launcher) wait(proc Process) (code int, interrupted bool, err error) {
	done := make(chan struct{})
	fwd := make(chan bool, 1)
	go func() {
		got := false
		defer func() { fwd <- got }()
		for {
			select {
			case <-done:
				return
			case s, ok := <-l.Signals:
				if !ok {
					<-done
					return
				}
				got = true
				ui.Log.Debug().Str("signal", s.String()).Msg("forwarding signal")
				_ = proc.Signal(s)
			}
		}
	}()
	code, err = proc.Wait()
	close(done)
	interrupted = <-fwd
	return code, interrupted, err
}
