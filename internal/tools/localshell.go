package tools

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"
)

// LocalShell implements Shell using the user's shell.
type LocalShell struct {
	Timeout time.Duration // per-command timeout, default 30s
}

// NewLocalShell creates a LocalShell with the default timeout.
func NewLocalShell() *LocalShell {
	return &LocalShell{Timeout: 30 * time.Second}
}

// Execute runs command in workingDir. A timed-out command reports exit code
// -1; other failures return the process exit code. Errors are reserved for
// cases where the command never ran at all.
func (s *LocalShell) Execute(ctx context.Context, command, workingDir string) (ShellResult, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, detectShell(), "-c", command)
	cmd.Dir = workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ShellResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, NewToolErrorf(ErrExecutionFailed, "command error: %v", err)
	}
	return result, nil
}

func detectShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "sh"
}
