package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Proc is a Handle backed by a local process started with exec.Cmd. Stdout
// and stderr are combined into a single pipe so output is observed in the
// order the process produced it.
type Proc struct {
	cmd    *exec.Cmd
	output io.ReadCloser
}

// Start starts program with args and returns a Handle for it.
func Start(program string, args ...string) (*Proc, error) {
	if program == "" {
		return nil, errors.New("program cannot be empty")
	}

	cmd := exec.Command(program, args...)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create os pipe: %w", err)
	}

	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()

		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	// Close the parent's copy of the write end so the read end sees EOF once
	// the process exits.
	pw.Close()

	return &Proc{cmd: cmd, output: pr}, nil
}

// Output returns the combined stdout/stderr stream of the process.
func (p *Proc) Output() io.ReadCloser {
	return p.output
}

// Wait blocks until the process exits and returns its exit code. A nonzero
// exit code is not an error; an error is only returned if waiting itself
// failed.
func (p *Proc) Wait() (int, error) {
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}

		return -1, fmt.Errorf("failed to wait for process: %w", err)
	}

	return p.cmd.ProcessState.ExitCode(), nil
}

// Terminate sends SIGTERM to the process.
func (p *Proc) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process.
func (p *Proc) Kill() error {
	return p.cmd.Process.Kill()
}

// PID returns the process id, useful for logging.
func (p *Proc) PID() int {
	return p.cmd.Process.Pid
}
