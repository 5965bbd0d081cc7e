package worker

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

	"github.com/guseggert/stdiobridge/internal/framer"
	"go.uber.org/zap"
)

// DefaultCommand is the worker executable, relative to the host's working directory.
const DefaultCommand = "./main"

const readSize = 32768

// drainTimeout bounds how long output is still read after the worker exits,
// for when a process it started keeps its stdout or stderr open.
const drainTimeout = time.Second

var (
	// ErrStart is wrapped by errors from Start when the worker could not be launched.
	ErrStart = errors.New("starting worker")
	// ErrExited is returned by Write once the worker is gone.
	ErrExited = errors.New("worker exited")
)

// ExitError is the fatal condition reported when the worker exits.
// Any exit is fatal, including a zero exit code.
type ExitError struct {
	// Code is the exit code, or -1 if the worker was terminated by a signal.
	Code   int
	Signal string
	// Err is set if waiting on the worker failed for a reason other than its exit status.
	Err error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker exit: %s", e.Err)
	}
	return fmt.Sprintf("worker exit: code=%d signal=%s", e.Code, e.Signal)
}

func (e *ExitError) Unwrap() error { return ErrExited }

// Config describes the worker process.
type Config struct {
	Command string
	Args    []string
	// Env is appended to the host's environment.
	Env []string
	Dir string
	// Stderr receives the worker's stderr untouched. Defaults to os.Stderr.
	Stderr io.Writer
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// Supervisor owns the single worker process: its stdin for writes, its stdout for reads, and its lifetime.
type Supervisor struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin   io.WriteCloser
	stdout  *os.File
	writeMu sync.Mutex

	onLine func(line []byte)

	startTime time.Time
	done      chan struct{}
	err       error
}

// Start launches the worker and begins reading its stdout.
// Each complete line is passed to onLine from a single goroutine, in the order the worker wrote them.
// The context only bounds the launch; the worker then runs until it exits or Stop is called.
func Start(ctx context.Context, cfg Config, onLine func(line []byte), opts ...Option) (*Supervisor, error) {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStart, err)
	}

	s := &Supervisor{
		log:    zap.NewNop().Sugar(),
		onLine: onLine,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.Stderr = cfg.Stderr
	cmd.WaitDelay = drainTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrStart, err)
	}
	// stdout is not an exec pipe, so Wait neither closes it nor waits for it to reach EOF
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrStart, err)
	}
	cmd.Stdout = stdoutW
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdoutR

	s.log.Debugw("starting worker", "Command", cfg.Command, "Args", cfg.Args)
	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdoutR.Close()
		return nil, fmt.Errorf("%w: %w", ErrStart, err)
	}
	s.startTime = time.Now()
	s.log.Debugw("worker started", "PID", cmd.Process.Pid)

	go s.read()
	go s.wait()
	return s, nil
}

// read is the only reader of the worker's stdout.
func (s *Supervisor) read() {
	defer s.stdout.Close()
	f := &framer.Framer{}
	buf := make([]byte, readSize)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			for _, line := range f.Feed(buf[:n]) {
				s.onLine(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("stdout reader got error: %s", err)
			}
			break
		}
	}
	if f.Buffered() > 0 {
		s.log.Debugf("discarding %d bytes of unterminated output", f.Buffered())
	}
}

// wait reaps the worker and reports its exit as fatal, whether or not stdout has reached EOF.
// Output already written is then read for at most drainTimeout.
func (s *Supervisor) wait() {
	err := s.cmd.Wait()
	s.exit(exitError(s.cmd, err))

	err = s.stdout.SetReadDeadline(time.Now().Add(drainTimeout))
	if err != nil && !errors.Is(err, os.ErrClosed) {
		s.stdout.Close()
	}
}

func exitError(cmd *exec.Cmd, err error) *ExitError {
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return &ExitError{Code: -1, Err: err}
	}
	res := &ExitError{Code: cmd.ProcessState.ExitCode()}
	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		res.Signal = status.Signal().String()
	}
	return res
}

// exit must not take writeMu: a Write may be blocked on a stdin still held open by a process the worker started.
func (s *Supervisor) exit(err *ExitError) {
	s.err = err
	close(s.done)
	s.log.Debugw("worker exited", "PID", s.cmd.Process.Pid, "Error", err, "Uptime", time.Since(s.startTime))
}

// Write sends one encoded line to the worker.
// Concurrent writes are serialized, so the bytes of one line are never interleaved with another's.
func (s *Supervisor) Write(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrExited
	default:
	}
	_, err := s.stdin.Write(line)
	if err != nil {
		// Wait closes stdin once the worker is gone, even if another process still holds it
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			return ErrExited
		}
		return fmt.Errorf("writing to worker stdin: %w", err)
	}
	return nil
}

// Done is closed when the worker has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the worker exited, or nil if it is still running.
func (s *Supervisor) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// PID returns the worker's process ID.
func (s *Supervisor) PID() int {
	return s.cmd.Process.Pid
}

// Stop kills the worker. Done is closed once it has been reaped.
func (s *Supervisor) Stop() error {
	err := s.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing worker: %w", err)
	}
	return nil
}
