package mux

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/machinefabric/clippy-go/clippyerr"
)

// Request is one command sent to a backend
type Request struct {
	Payload any
	// CloseInput closes stdin after the request is written; the exchange
	// then reads until the backend exits. Used when every call spawns a
	// fresh process.
	CloseInput bool
	// RequireOutput makes a successful exit without a START status or a
	// result object a protocol error
	RequireOutput bool
	// Timeout overrides the process read timeout for this exchange
	Timeout time.Duration
}

// Response is everything observed during one exchange
type Response struct {
	ID string
	// Streamed is set when the backend framed its results with START/END
	Streamed bool
	// Results holds the result objects between START and END, in order
	Results []map[string]any
	// Terminal is the last plain object of an unframed response
	Terminal map[string]any
	// Stderr is the backend's diagnostic output, one line per "\n"
	Stderr   string
	ExitCode int
	Exited   bool
	// OutputShown is set once every output field was sent to the display
	OutputShown bool
}

// Failed reports whether the backend exited with a non-zero status
func (r *Response) Failed() bool {
	return r.Exited && r.ExitCode != 0
}

// Empty reports whether no result object was received
func (r *Response) Empty() bool {
	return len(r.Results) == 0 && r.Terminal == nil
}

// Object folds the response into a single object: the terminal object of
// an unframed response, or all streamed results merged in order with later
// keys winning.
func (r *Response) Object() map[string]any {
	if !r.Streamed {
		return r.Terminal
	}
	if len(r.Results) == 0 {
		return nil
	}
	merged := make(map[string]any)
	for _, obj := range r.Results {
		for k, v := range obj {
			merged[k] = v
		}
	}
	return merged
}

// exchange holds the per-call reader state
type exchange struct {
	p        *Process
	resp     *Response
	started  bool
	ended    bool
	outputs  int
	shown    int
	progress ProgressSink
	timeout  time.Duration
	stdout   <-chan lineEvent
	stderr   <-chan lineEvent
	stderrB  strings.Builder
	// violation is the first protocol error of a backend expected to
	// exit; its exit status is awaited before it is reported
	violation error
}

// Exchange writes req and collects the backend's answer. Results, updates
// and diagnostics are surfaced to the display while they arrive. A timeout
// or cancellation leaves the process untrusted: later exchanges fail.
//
// A non-zero exit is not an error here; callers decide what it means via
// Response.Failed.
func (p *Process) Exchange(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.untrusted.Load() {
		return nil, clippyerr.Protocolf("backend output is no longer trusted after an earlier failure")
	}
	if p.inputClosed {
		return nil, clippyerr.Protocolf("backend input already closed")
	}

	x := &exchange{
		p:       p,
		resp:    &Response{ID: uuid.NewString()},
		timeout: req.Timeout,
		stdout:  p.stdout,
		stderr:  p.stderr,
	}
	if x.timeout <= 0 {
		x.timeout = p.opts.ReadTimeout
	}
	if p.stdoutEOF {
		x.stdout = nil
	}
	if p.stderrEOF {
		x.stderr = nil
	}
	log := p.opts.Logger.With().Str("exchange", x.resp.ID).Logger()

	line, err := p.opts.Codec.Encode(req.Payload)
	if err != nil {
		return nil, err
	}
	if len(line) > p.opts.Limits.MaxLine {
		return nil, clippyerr.Protocolf("request of %d bytes exceeds max_line limit %d", len(line), p.opts.Limits.MaxLine)
	}
	log.Debug().Bytes("request", line).Msg("send")
	// A backend that exits before reading fails the write; its exit status
	// and stderr still decide the outcome below.
	_, writeErr := p.stdin.Write(line)
	if writeErr != nil {
		log.Debug().Err(writeErr).Msg("write request")
	}
	if req.CloseInput {
		p.stdin.Close()
		p.inputClosed = true
	}

	err = x.read(ctx, req.CloseInput)
	x.finishProgress()
	if err != nil {
		// the stream position is unknown after a failed read
		p.untrusted.Store(true)
		return nil, err
	}

	if x.stdout == nil {
		if err := x.awaitExit(ctx); err != nil {
			p.untrusted.Store(true)
			return nil, err
		}
		x.drainStderr(true)
	} else {
		x.drainStderr(false)
	}
	x.resp.Stderr = x.stderrB.String()
	x.resp.OutputShown = x.outputs > 0 && x.shown == x.outputs

	log.Debug().
		Bool("streamed", x.resp.Streamed).
		Int("results", len(x.resp.Results)).
		Bool("exited", x.resp.Exited).
		Int("exit_code", x.resp.ExitCode).
		Msg("exchange complete")

	if x.resp.Failed() {
		return x.resp, nil
	}
	if x.violation != nil {
		p.untrusted.Store(true)
		return nil, x.violation
	}
	if x.started && !x.ended {
		return nil, clippyerr.Protocolf("backend output ended before end status")
	}
	if req.RequireOutput && !x.started && x.resp.Terminal == nil {
		if writeErr != nil {
			return nil, clippyerr.Wrap(clippyerr.Protocol, writeErr, "backend produced no output")
		}
		return nil, clippyerr.Protocolf("backend produced no output")
	}
	return x.resp, nil
}

// read consumes both streams until END, or until stdout reaches EOF when
// the backend is expected to exit. Lines after END are ignored.
func (x *exchange) read(ctx context.Context, untilExit bool) error {
	timer := time.NewTimer(x.timeout)
	defer timer.Stop()

	for x.stdout != nil && (untilExit || !x.ended) {
		select {
		case <-ctx.Done():
			return clippyerr.Wrap(clippyerr.Timeout, ctx.Err(), "exchange cancelled")
		case <-timer.C:
			return clippyerr.Timeoutf("no output from backend within %s", x.timeout)
		case ev, ok := <-x.stderr:
			if !ok {
				x.stderr = nil
				x.p.stderrEOF = true
				continue
			}
			x.diagnostic(ev)
		case ev, ok := <-x.stdout:
			if !ok {
				x.stdout = nil
				x.p.stdoutEOF = true
				x.p.untrusted.Store(true)
				continue
			}
			if ev.err != nil {
				return clippyerr.Wrap(clippyerr.Protocol, ev.err, "read backend output")
			}
			if x.violation == nil {
				if err := x.handleLine(ev.line, untilExit); err != nil {
					if !untilExit {
						return err
					}
					x.violation = err
				}
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(x.timeout)
	}
	return nil
}

func (x *exchange) handleLine(line []byte, untilExit bool) error {
	fresh := x.p.fresh
	x.p.fresh = false

	obj, err := x.p.opts.Codec.DecodeObject(line)
	if err != nil {
		return err
	}
	kind := Classify(obj)
	x.p.opts.Logger.Trace().Str("kind", kind.String()).Bytes("line", line).Msg("recv")
	if x.ended {
		x.p.opts.Logger.Warn().Str("kind", kind.String()).Msg("ignoring backend output after end status")
		return nil
	}

	switch kind {
	case KindReady:
		if !fresh {
			return clippyerr.Protocolf("unexpected ready status")
		}
		// a freshly spawned backend announces itself before answering
	case KindStart:
		if x.started {
			return clippyerr.Protocolf("duplicate start status")
		}
		if x.resp.Terminal != nil {
			return clippyerr.Protocolf("start status after result")
		}
		x.started = true
		x.resp.Streamed = true
	case KindEnd:
		if !x.started {
			return clippyerr.Protocolf("end status without start")
		}
		x.ended = true
	case KindUpdate:
		x.update(obj)
	case KindResult:
		if !x.started && !untilExit {
			return clippyerr.Protocolf("expected start status, got %s", line)
		}
		if x.started {
			x.resp.Results = append(x.resp.Results, obj)
		} else {
			x.resp.Terminal = obj
		}
		x.output(obj)
	}
	return nil
}

func (x *exchange) diagnostic(ev lineEvent) {
	if ev.err != nil {
		x.p.opts.Logger.Warn().Err(ev.err).Msg("read backend stderr")
		return
	}
	text := string(ev.line)
	x.stderrB.WriteString(text)
	x.stderrB.WriteByte('\n')
	x.p.opts.Display.Diagnostic(text)
	x.p.opts.Logger.Debug().Str("stderr", text).Msg("backend diagnostic")
}

// output shows a result's output field unless a progress display owns the
// terminal
func (x *exchange) output(obj map[string]any) {
	out, ok := obj[OutputKey]
	if !ok || out == nil {
		return
	}
	x.outputs++
	if x.progress != nil {
		return
	}
	x.p.opts.Display.Output(fmt.Sprint(out))
	x.shown++
}

func (x *exchange) update(obj map[string]any) {
	if msg, ok := obj[MessageKey]; ok && msg != nil {
		x.p.opts.Display.Message(fmt.Sprint(msg))
	}
	if x.p.opts.Progress == nil {
		return
	}
	if x.progress == nil {
		if total, ok := obj[ProgressStartKey]; ok {
			var t *float64
			if n, isNum := number(total); isNum {
				t = &n
			}
			x.progress = x.p.opts.Progress(t)
		}
	}
	if x.progress == nil {
		return
	}
	if n, ok := number(obj[ProgressIncKey]); ok {
		x.progress.Increment(n)
	}
	if n, ok := number(obj[ProgressSetKey]); ok {
		x.progress.Set(n)
	}
	if _, ok := obj[ProgressEndKey]; ok {
		x.finishProgress()
	}
}

func (x *exchange) finishProgress() {
	if x.progress != nil {
		x.progress.Close()
		x.progress = nil
	}
}

// awaitExit waits for the exit status after stdout closed
func (x *exchange) awaitExit(ctx context.Context) error {
	select {
	case <-x.p.exited:
		x.resp.Exited = true
		x.resp.ExitCode = x.p.exitCode
		return nil
	case <-ctx.Done():
		return clippyerr.Wrap(clippyerr.Timeout, ctx.Err(), "exchange cancelled")
	case <-time.After(x.timeout):
		return clippyerr.Timeoutf("backend closed its output but did not exit within %s", x.timeout)
	}
}

// drainStderr collects remaining diagnostics. After exit it reads to EOF
// (bounded by the timeout), otherwise only what is already buffered.
func (x *exchange) drainStderr(toEOF bool) {
	if x.stderr == nil {
		return
	}
	var deadline <-chan time.Time
	if toEOF {
		deadline = time.After(x.timeout)
	}
	for {
		if toEOF {
			select {
			case ev, ok := <-x.stderr:
				if !ok {
					x.stderr = nil
					x.p.stderrEOF = true
					return
				}
				x.diagnostic(ev)
			case <-deadline:
				return
			}
			continue
		}
		select {
		case ev, ok := <-x.stderr:
			if !ok {
				x.stderr = nil
				x.p.stderrEOF = true
				return
			}
			x.diagnostic(ev)
		default:
			return
		}
	}
}

// AwaitReady waits for the backend's first stdout line and requires it to
// be the READY status. Anything else, including stderr output first, is a
// configuration error.
func (p *Process) AwaitReady(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.fresh {
		return clippyerr.Configurationf("backend already past its handshake")
	}
	if timeout <= 0 {
		timeout = p.opts.ReadTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	fail := func(err *clippyerr.Error) error {
		p.untrusted.Store(true)
		return err
	}
	stderr := p.stderr
	if p.stderrEOF {
		stderr = nil
	}
	for {
		select {
		case <-ctx.Done():
			return fail(clippyerr.Wrap(clippyerr.Configuration, ctx.Err(), "waiting for %s ready status", p.name()))
		case <-timer.C:
			return fail(clippyerr.Configurationf("%s did not send ready status within %s", p.name(), timeout))
		case ev, ok := <-stderr:
			if !ok {
				stderr = nil
				p.stderrEOF = true
				continue
			}
			if ev.err != nil {
				return fail(clippyerr.Wrap(clippyerr.Configuration, ev.err, "error starting %s", p.name()))
			}
			p.opts.Display.Diagnostic(string(ev.line))
			return fail(clippyerr.Configurationf("error starting %s: %s", p.name(), ev.line))
		case ev, ok := <-p.stdout:
			if !ok {
				p.stdoutEOF = true
				return fail(clippyerr.Configurationf("%s exited before sending ready status", p.name()))
			}
			if ev.err != nil {
				return fail(clippyerr.Wrap(clippyerr.Configuration, ev.err, "read %s ready status", p.name()))
			}
			obj, err := p.opts.Codec.DecodeObject(ev.line)
			if err != nil || Classify(obj) != KindReady {
				return fail(clippyerr.Configurationf("expected ready status from %s, got %q", p.name(), ev.line))
			}
			p.fresh = false
			p.opts.Logger.Debug().Strs("argv", p.argv).Msg("backend ready")
			return nil
		}
	}
}
