// Package mux drives one backend process: it writes request lines to the
// backend's stdin and reads its stdout and stderr concurrently, splitting
// the output into control status lines, progress updates, results and
// diagnostics.
//
// Each output stream is drained by its own goroutine into a channel, so a
// single exchange can wait on both streams, the process exit and a timer
// at once without ever blocking on one pipe while the other fills up.
package mux

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/wire"
)

// DefaultReadTimeout bounds each wait for backend output
const DefaultReadTimeout = 2 * time.Second

// DefaultGracePeriod is how long Close waits for a backend to exit on its
// own after stdin is closed before killing it
const DefaultGracePeriod = 500 * time.Millisecond

// Options configure a Process
type Options struct {
	Codec       *wire.Codec
	Limits      wire.Limits
	ReadTimeout time.Duration
	GracePeriod time.Duration
	Display     Display
	// Progress opens a sink when a backend announces progress. When nil,
	// progress keys are ignored and result output is shown as it arrives.
	Progress ProgressFactory
	Logger   zerolog.Logger
	Dir      string
	Env      []string
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = wire.Default
	}
	if o.Limits.MaxLine <= 0 {
		o.Limits = wire.DefaultLimits()
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.Display == nil {
		o.Display = DiscardDisplay()
	}
	return o
}

type lineEvent struct {
	line []byte
	err  error
}

// Process is a running (or attached) backend
type Process struct {
	argv   []string
	opts   Options
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout chan lineEvent
	stderr chan lineEvent

	stdoutDone chan struct{}
	closers    []io.Closer
	exited     chan struct{}
	exitCode   int
	waitErr    error
	closeOnce  sync.Once

	// mu serializes exchanges; at most one request is in flight
	mu          sync.Mutex
	fresh       bool
	inputClosed bool
	stdoutEOF   bool
	stderrEOF   bool
	untrusted   atomic.Bool
}

// Start spawns argv with piped stdin, stdout and stderr
func Start(argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 {
		return nil, clippyerr.Configurationf("empty backend command line")
	}
	opts = opts.withDefaults()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, clippyerr.Wrap(clippyerr.Configuration, err, "failed to create stdin pipe")
	}
	// Plain os pipes keep Wait independent from our readers
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, clippyerr.Wrap(clippyerr.Configuration, err, "failed to create stdout pipe")
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, clippyerr.Wrap(clippyerr.Configuration, err, "failed to create stderr pipe")
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, clippyerr.Wrap(clippyerr.Configuration, err, "failed to start backend %q", argv[0])
	}
	outW.Close()
	errW.Close()

	p := newProcess(argv, opts, stdin, outR, errR)
	p.cmd = cmd
	go func() {
		err := cmd.Wait()
		p.setExit(err)
	}()

	opts.Logger.Debug().Strs("argv", argv).Int("pid", cmd.Process.Pid).Msg("backend started")
	return p, nil
}

// Attach wraps already-connected streams. wait, when non-nil, blocks until
// the peer exits and reports its exit code; otherwise the peer counts as
// exited with code 0 once stdout reaches EOF.
func Attach(stdin io.WriteCloser, stdout, stderr io.ReadCloser, wait func() (int, error), opts Options) *Process {
	opts = opts.withDefaults()
	p := newProcess(nil, opts, stdin, stdout, stderr)
	go func() {
		if wait == nil {
			<-p.stdoutDone
			close(p.exited)
			return
		}
		code, err := wait()
		p.exitCode = code
		p.waitErr = err
		close(p.exited)
	}()
	return p
}

func newProcess(argv []string, opts Options, stdin io.WriteCloser, stdout, stderr io.ReadCloser) *Process {
	p := &Process{
		argv:       argv,
		opts:       opts,
		stdin:      stdin,
		stdout:     make(chan lineEvent),
		stderr:     make(chan lineEvent),
		stdoutDone: make(chan struct{}),
		closers:    []io.Closer{stdout, stderr},
		exited:     make(chan struct{}),
		fresh:      true,
	}
	go p.readerLoop(stdout, p.stdout, p.stdoutDone)
	go p.readerLoop(stderr, p.stderr, nil)
	return p
}

// readerLoop reads lines from r and forwards them until EOF or error
func (p *Process) readerLoop(r io.Reader, ch chan<- lineEvent, done chan struct{}) {
	defer func() {
		close(ch)
		if done != nil {
			close(done)
		}
	}()
	reader := wire.NewLineReaderWithLimits(r, p.opts.Limits)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				ch <- lineEvent{err: err}
			}
			return
		}
		ch <- lineEvent{line: line}
	}
}

func (p *Process) setExit(err error) {
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
			p.waitErr = err
		}
	}
	p.exitCode = code
	close(p.exited)
	p.opts.Logger.Debug().Strs("argv", p.argv).Int("exit_code", code).Msg("backend exited")
}

// Argv returns the command line the process was started with
func (p *Process) Argv() []string {
	return p.argv
}

func (p *Process) name() string {
	if len(p.argv) == 0 {
		return "backend"
	}
	return p.argv[0]
}

// Pid returns the OS process id, 0 for attached streams
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitCode reports the exit code once the process has exited
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.exited:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Alive reports whether the process is running and its output still trusted
func (p *Process) Alive() bool {
	if _, exited := p.ExitCode(); exited {
		return false
	}
	return !p.untrusted.Load()
}

// Close ends the process: stdin is closed, the process gets a grace
// period to exit and is then killed. Both reader goroutines are drained
// once an in-flight exchange has returned. Exchanges started after Close
// fail with a protocol error.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.untrusted.Store(true)
		p.stdin.Close()
		if p.cmd != nil {
			select {
			case <-p.exited:
			case <-time.After(p.opts.GracePeriod):
				if err := p.cmd.Process.Kill(); err != nil {
					p.opts.Logger.Debug().Err(err).Msg("kill backend")
				}
				<-p.exited
			}
		}
		for _, c := range p.closers {
			c.Close()
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for range p.stdout {
		}
		for range p.stderr {
		}
		p.stdoutEOF, p.stderrEOF = true, true
	})
	select {
	case <-p.exited:
		if p.waitErr != nil {
			return fmt.Errorf("wait for backend: %w", p.waitErr)
		}
	default:
	}
	return nil
}
