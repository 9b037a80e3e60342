package bsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultSudo never prompts: a missing sudo ticket fails the command instead
// of blocking on a password read we cannot see.
var defaultSudo = []string{"sudo", "-n", "-E"}

// RunOptions configures a single external command.
type RunOptions struct {
	Dir  string
	Env  []string // appended to os.Environ()
	Sudo bool
	// Stdout, when set, receives the raw stdout stream instead of the log.
	Stdout io.Writer
}

// Executor runs external commands one at a time, streaming their output
// line by line into the log.
type Executor struct {
	Log *log.Logger
	// SudoPrefix wraps commands run with RunOptions.Sudo. Nil means sudo -n -E.
	SudoPrefix []string
	// AsRoot is consulted to skip the sudo wrapper. Nil means os.Geteuid() == 0.
	AsRoot func() bool
}

func NewExecutor(logger *log.Logger) *Executor {
	return &Executor{Log: logger}
}

// ProcessError is returned for a command that exited non-zero.
type ProcessError struct {
	Argv     []string
	ExitCode int
	Stdout   []string
	Stderr   []string
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Argv, " "), e.ExitCode)
	if n := len(e.Stderr); n > 0 {
		msg += ": " + e.Stderr[n-1]
	}
	return msg
}

func (e *Executor) isRoot() bool {
	if e.AsRoot != nil {
		return e.AsRoot()
	}
	return os.Geteuid() == 0
}

// commandLine returns the final argv, with the privilege wrapper applied when
// needed.
func (e *Executor) commandLine(argv []string, sudo bool) []string {
	if !sudo || e.isRoot() {
		return argv
	}
	prefix := e.SudoPrefix
	if prefix == nil {
		prefix = defaultSudo
	}
	return append(append([]string{}, prefix...), argv...)
}

func (e *Executor) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return log.StandardLogger()
}

// Run executes argv and blocks until it exits.
func (e *Executor) Run(ctx context.Context, argv []string, opts RunOptions) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	final := e.commandLine(argv, opts.Sudo)
	entry := e.logger().WithField("command", strings.Join(final, " "))
	if opts.Dir != "" {
		entry = entry.WithField("dir", opts.Dir)
	}
	entry.Debug("running")

	cmd := exec.Command(final[0], final[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdin = nil
	// own process group so an interrupt takes the whole tree down
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout io.ReadCloser
	var err error
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to open stdout pipe: %w", err)
		}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", final[0], err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-done:
		}
	}()

	var outLines, errLines []string
	var g errgroup.Group
	if stdout != nil {
		g.Go(func() error {
			outLines = drain(stdout, entry.WithField("stream", "stdout"))
			return nil
		})
	}
	g.Go(func() error {
		errLines = drain(stderr, entry.WithField("stream", "stderr"))
		return nil
	})
	// pipes must be fully read before Wait closes them
	_ = g.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return fmt.Errorf("command aborted: %w", ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ProcessError{
				Argv:     final,
				ExitCode: exitErr.ExitCode(),
				Stdout:   outLines,
				Stderr:   errLines,
			}
		}
		return fmt.Errorf("failed to wait for %s: %w", final[0], waitErr)
	}
	return nil
}

// Output runs argv and returns its trimmed stdout.
func (e *Executor) Output(ctx context.Context, argv []string, opts RunOptions) (string, error) {
	var buf strings.Builder
	opts.Stdout = &buf
	if err := e.Run(ctx, argv, opts); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func drain(r io.Reader, entry *log.Entry) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		entry.Trace(line)
	}
	if err := scanner.Err(); err != nil {
		entry.WithError(err).Debug("output line too long, discarding the rest")
		_, _ = io.Copy(io.Discard, r)
	}
	return lines
}
