// Package runner starts the external processes behind each step.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// DefaultShell is used when a step names none. -e and pipefail make a
// failing stage of a pipeline fail the step.
var DefaultShell = []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "-c"}

type Command struct {
	// Script is passed to the shell as a single -c argument.
	Script string
	// Shell overrides DefaultShell, e.g. ["sh", "-c"].
	Shell []string
	Dir   string
	Env   []string
	// Output receives stdout and stderr interleaved.
	Output io.Writer
	// OnStart is called with the pid as soon as the process exists.
	OnStart func(pid int)
}

type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner executes a command to completion. A non-zero exit is reported
// through Result, not as an error; the error is reserved for commands
// that could not run at all and for cancellation.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands as local processes, each in its own process group so
// that canceling the context kills the whole tree.
type Exec struct{}

func (Exec) Run(ctx context.Context, c Command) (Result, error) {
	shell := c.Shell
	if len(shell) == 0 {
		shell = DefaultShell
	}
	args := append(append([]string(nil), shell[1:]...), c.Script)

	cmd := exec.CommandContext(ctx, shell[0], args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = nil
	if c.Output != nil {
		cmd.Stdout = c.Output
		cmd.Stderr = c.Output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the process group to ensure child processes are also killed
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", shell[0], err)
	}

	if c.OnStart != nil && cmd.Process != nil {
		c.OnStart(cmd.Process.Pid)
	}

	err := cmd.Wait()
	res := Result{Duration: time.Since(start)}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}

	return res, nil
}

// KillGroup sends SIGKILL to the process group led by pid. It is used to
// stop a step whose run lives in another process.
func KillGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
