// Package fork starts worker processes whose stdin and stdout carry framed
// messages and whose stderr carries log output.
package fork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Options describes the process to start.
type Options struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	Dir string
}

// Process is a started child process.
//
// The read ends of stdout and stderr belong to the caller: Wait leaves them
// open so output written right before exit can still be read to EOF.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// Fork starts the process described by opts.
func Fork(opts Options) (*Process, error) {
	if opts.Path == "" {
		return nil, errors.New("process path is empty")
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdout, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// the child holds its own copies of the write ends
	closeAll(stdoutW, stderrW)
	if err != nil {
		_ = stdin.Close()
		closeAll(stdout, stderr)
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (p *Process) Stdin() io.WriteCloser { return p.stdin }

func (p *Process) Stdout() io.ReadCloser { return p.stdout }

func (p *Process) Stderr() io.ReadCloser { return p.stderr }

// Pid returns the operating system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Wait blocks until the process exits. It may be called more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = fmt.Errorf("process exited with error: %w", err)
		}
		close(p.exited)
	})
	return p.waitErr
}

// Exited is closed once Wait has observed the process exit.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitCode returns the exit code, or -1 if the process has not exited or was killed by a signal.
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Stop closes stdin, asks the process to terminate and kills it if it has
// not exited when ctx is done or grace elapses.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return p.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return p.Kill()
}

// Kill terminates the process immediately.
func (p *Process) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}
