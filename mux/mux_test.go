package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/machinefabric/clippy-go/clippyerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu       sync.Mutex
	messages []string
	outputs  []string
	diags    []string
}

func (r *recorder) Message(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
}

func (r *recorder) Output(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, text)
}

func (r *recorder) Diagnostic(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diags = append(r.diags, line)
}

type fakeSink struct {
	total  *float64
	incs   []float64
	sets   []float64
	closed bool
}

func (s *fakeSink) Increment(n float64) { s.incs = append(s.incs, n) }
func (s *fakeSink) Set(n float64)       { s.sets = append(s.sets, n) }
func (s *fakeSink) Close()              { s.closed = true }

// attachPeer connects a Process to an in-memory backend. respond is called
// once per request line with the backend's stdout and stderr.
func attachPeer(t *testing.T, opts Options, respond func(req string, out, errOut io.Writer)) *Process {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p := Attach(inW, outR, errR, nil, opts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := bufio.NewReader(inR)
		for {
			req, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			respond(req, outW, errW)
		}
	}()
	t.Cleanup(func() {
		p.Close()
		<-done
		outW.Close()
		errW.Close()
	})
	return p
}

func lines(w io.Writer, ls ...string) {
	for _, l := range ls {
		fmt.Fprintln(w, l)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func startScript(t *testing.T, body string, opts Options) *Process {
	t.Helper()
	p, err := Start([]string{writeScript(t, body)}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// TEST201: Classify distinguishes exact status shapes from results
func Test201_classify(t *testing.T) {
	assert.Equal(t, KindReady, Classify(map[string]any{"_status": "ready"}))
	assert.Equal(t, KindStart, Classify(map[string]any{"_status": "start"}))
	assert.Equal(t, KindEnd, Classify(map[string]any{"_status": "end"}))
	assert.Equal(t, KindUpdate, Classify(map[string]any{"_status": "update", "message": "hi"}))
	assert.Equal(t, KindResult, Classify(map[string]any{"_status": "start", "extra": 1}))
	assert.Equal(t, KindResult, Classify(map[string]any{"_status": 1}))
	assert.Equal(t, KindResult, Classify(map[string]any{"return": 42}))
	assert.Equal(t, "UPDATE", KindUpdate.String())
	assert.Equal(t, "UNKNOWN(9)", Kind(9).String())
}

// TEST202: A framed stream collects every result in order and folds them
func Test202_streamed_exchange(t *testing.T) {
	p := attachPeer(t, Options{}, func(req string, out, _ io.Writer) {
		lines(out, `{"_status":"start"}`, `{"a":1,"b":1}`, `{"b":2}`, `{"_status":"end"}`)
	})

	resp, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}, RequireOutput: true})
	require.NoError(t, err)
	assert.True(t, resp.Streamed)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, resp.Object())
	assert.NotEmpty(t, resp.ID)
	assert.False(t, resp.Failed())
}

// TEST203: Updates reach the display and drive the progress sink
func Test203_updates_and_progress(t *testing.T) {
	rec := &recorder{}
	var sink *fakeSink
	opts := Options{
		Display: rec,
		Progress: func(total *float64) ProgressSink {
			sink = &fakeSink{total: total}
			return sink
		},
	}
	p := attachPeer(t, opts, func(req string, out, _ io.Writer) {
		lines(out,
			`{"_status":"start"}`,
			`{"_status":"update","message":"working"}`,
			`{"_status":"update","progress_start":10}`,
			`{"_status":"update","progress_inc":2}`,
			`{"_status":"update","progress_set":7.5}`,
			`{"output":"hidden while progress runs"}`,
			`{"_status":"update","progress_end":true}`,
			`{"_status":"end"}`)
	})

	resp, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"working"}, rec.messages)
	assert.Empty(t, rec.outputs)
	assert.False(t, resp.OutputShown)

	require.NotNil(t, sink)
	require.NotNil(t, sink.total)
	assert.Equal(t, 10.0, *sink.total)
	assert.Equal(t, []float64{2}, sink.incs)
	assert.Equal(t, []float64{7.5}, sink.sets)
	assert.True(t, sink.closed)
}

// TEST204: Without progress, output fields are shown as they arrive
func Test204_output_shown_immediately(t *testing.T) {
	rec := &recorder{}
	p := attachPeer(t, Options{Display: rec}, func(req string, out, _ io.Writer) {
		lines(out, `{"_status":"start"}`, `{"output":"hello"}`, `{"_status":"end"}`)
	})

	resp, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, rec.outputs)
	assert.True(t, resp.OutputShown)
}

// TEST205: A silent backend times out and is no longer trusted
func Test205_timeout_poisons_process(t *testing.T) {
	p := attachPeer(t, Options{ReadTimeout: 50 * time.Millisecond}, func(string, io.Writer, io.Writer) {})

	_, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrTimeout))
	assert.True(t, errors.Is(err, clippyerr.ErrProtocol))
	assert.False(t, p.Alive())

	_, err = p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "again"}})
	assert.True(t, errors.Is(err, clippyerr.ErrProtocol))
}

// TEST206: READY inside a stream is a protocol error
func Test206_ready_mid_stream(t *testing.T) {
	p := attachPeer(t, Options{}, func(req string, out, _ io.Writer) {
		lines(out, `{"_status":"start"}`, `{"_status":"ready"}`, `{"_status":"end"}`)
	})

	_, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrProtocol))
	assert.Contains(t, err.Error(), "unexpected ready status")
}

// TEST207: A long-lived backend must frame its answer
func Test207_result_before_start(t *testing.T) {
	p := attachPeer(t, Options{}, func(req string, out, _ io.Writer) {
		lines(out, `{"return":1}`)
	})

	_, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected start status")
}

// TEST208: END without START and undecodable lines are protocol errors
func Test208_malformed_sequences(t *testing.T) {
	p := attachPeer(t, Options{}, func(req string, out, _ io.Writer) {
		lines(out, `{"_status":"end"}`)
	})
	_, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end status without start")

	q := attachPeer(t, Options{}, func(req string, out, _ io.Writer) {
		lines(out, `not json`)
	})
	_, err = q.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrProtocol))
}

// TEST209: A per-call backend's READY line is consumed and its plain answer kept
func Test209_per_call_unframed(t *testing.T) {
	p := startScript(t, `read line
echo '{"_status":"ready"}'
echo '{"return":41}'
echo '{"return":42}'`, Options{})

	resp, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}, CloseInput: true, RequireOutput: true})
	require.NoError(t, err)
	assert.False(t, resp.Streamed)
	assert.True(t, resp.Exited)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, map[string]any{"return": int64(42)}, resp.Object())

	_, err = p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "again"}})
	assert.True(t, errors.Is(err, clippyerr.ErrProtocol))
}

// TEST210: A non-zero exit is reported with the full stderr text
func Test210_nonzero_exit(t *testing.T) {
	rec := &recorder{}
	p := startScript(t, `read line
echo boom >&2
exit 1`, Options{Display: rec})

	resp, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}, CloseInput: true, RequireOutput: true})
	require.NoError(t, err)
	assert.True(t, resp.Failed())
	assert.Equal(t, 1, resp.ExitCode)
	assert.Equal(t, "boom\n", resp.Stderr)
	assert.Equal(t, []string{"boom"}, rec.diags)
}

// TEST211: A clean exit without output fails only when output is required
func Test211_no_output(t *testing.T) {
	p := startScript(t, `read line`, Options{})
	_, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}, CloseInput: true, RequireOutput: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output")

	q := startScript(t, `read line`, Options{})
	resp, err := q.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}, CloseInput: true})
	require.NoError(t, err)
	assert.True(t, resp.Empty())
	assert.Nil(t, resp.Object())
}

// TEST212: A stream cut off before END is a protocol error
func Test212_partial_stream(t *testing.T) {
	p := startScript(t, `read line
echo '{"_status":"start"}'
echo '{"return":1}'`, Options{})

	_, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}, CloseInput: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended before end status")
}

// TEST213: AwaitReady accepts only READY as the first line
func Test213_await_ready(t *testing.T) {
	p := startScript(t, `echo '{"_status":"ready"}'
read line
echo '{"_status":"start"}'
echo '{"return":7}'
echo '{"_status":"end"}'
read line`, Options{})
	require.NoError(t, p.AwaitReady(context.Background(), time.Second))

	resp, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Object()["return"])
	assert.True(t, p.Alive())

	q := startScript(t, `echo '{"_status":"hello"}'`, Options{})
	err = q.AwaitReady(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrConfiguration))
}

// TEST214: Startup diagnostics and silence both fail the handshake
func Test214_await_ready_failures(t *testing.T) {
	p := startScript(t, `echo 'cannot load' >&2
exec sleep 5`, Options{GracePeriod: 10 * time.Millisecond})
	err := p.AwaitReady(context.Background(), 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot load")

	q := startScript(t, `exec sleep 5`, Options{GracePeriod: 10 * time.Millisecond})
	err = q.AwaitReady(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrConfiguration))
	assert.Contains(t, err.Error(), "ready status")
}

// TEST215: Cancelling the context ends the exchange with a timeout
func Test215_context_cancel(t *testing.T) {
	p := attachPeer(t, Options{ReadTimeout: time.Minute}, func(string, io.Writer, io.Writer) {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Exchange(ctx, Request{Payload: map[string]any{"cmd": "go"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// TEST216: Response.Object of an unframed answer is the terminal object
func Test216_response_object(t *testing.T) {
	r := &Response{Terminal: map[string]any{"x": 1}}
	assert.Equal(t, map[string]any{"x": 1}, r.Object())
	assert.False(t, r.Empty())

	r = &Response{Streamed: true}
	assert.Nil(t, r.Object())
	assert.True(t, r.Empty())

	r = &Response{Exited: true, ExitCode: 2}
	assert.True(t, r.Failed())
}

// TEST218: A per-call backend that fails after undecodable output is
// judged by its exit status
func Test218_undecodable_then_failed_exit(t *testing.T) {
	rec := &recorder{}
	p := startScript(t, `read line
echo 'not json'
echo '{"return":1}'
echo boom >&2
exit 1`, Options{Display: rec})

	resp, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}, CloseInput: true, RequireOutput: true})
	require.NoError(t, err)
	assert.True(t, resp.Failed())
	assert.Equal(t, 1, resp.ExitCode)
	assert.Equal(t, "boom\n", resp.Stderr)
	assert.Nil(t, resp.Terminal)

	q := startScript(t, `read line
echo 'not json'`, Options{})
	_, err = q.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}, CloseInput: true, RequireOutput: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrProtocol))
	assert.False(t, q.Alive())
}

// TEST219: Close waits out an in-flight exchange and rejects later ones
func Test219_close_during_exchange(t *testing.T) {
	p := startScript(t, `read line
sleep 0.2
echo '{"_status":"start"}'
echo '{"_status":"end"}'
read line`, Options{GracePeriod: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "go"}})
	}()
	time.Sleep(50 * time.Millisecond)
	p.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exchange still running after Close")
	}
	assert.False(t, p.Alive())
	_, err := p.Exchange(context.Background(), Request{Payload: map[string]any{"cmd": "again"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrProtocol))
}
