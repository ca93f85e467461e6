package mux

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
)

// Display receives everything a backend wants surfaced to a person while
// an exchange is still running
type Display interface {
	// Message shows an UPDATE message
	Message(text string)
	// Output shows free-text output carried by a result
	Output(text string)
	// Diagnostic mirrors one backend stderr line
	Diagnostic(line string)
}

// WriterDisplay prints messages and output to Out and diagnostics to Err
type WriterDisplay struct {
	Out io.Writer
	Err io.Writer
	mu  sync.Mutex
}

// NewWriterDisplay creates a display over two writers
func NewWriterDisplay(out, errOut io.Writer) *WriterDisplay {
	return &WriterDisplay{Out: out, Err: errOut}
}

// StdDisplay prints to the process's own stdout and stderr
func StdDisplay() *WriterDisplay {
	return NewWriterDisplay(os.Stdout, os.Stderr)
}

// Message writes text followed by a newline to Out
func (d *WriterDisplay) Message(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.Out, text)
}

// Output writes text followed by a newline to Out
func (d *WriterDisplay) Output(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.Out, text)
}

// Diagnostic writes line followed by a newline to Err
func (d *WriterDisplay) Diagnostic(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.Err, line)
}

// discardDisplay drops everything
type discardDisplay struct{}

func (discardDisplay) Message(string)    {}
func (discardDisplay) Output(string)     {}
func (discardDisplay) Diagnostic(string) {}

// DiscardDisplay returns a Display that drops everything
func DiscardDisplay() Display {
	return discardDisplay{}
}

// ProgressSink tracks one progress run announced by a backend
type ProgressSink interface {
	Increment(n float64)
	Set(n float64)
	// Close finalizes the run; the sink is not used afterwards
	Close()
}

// ProgressFactory opens a sink. total is nil for an unbounded run.
type ProgressFactory func(total *float64) ProgressSink

// TerminalProgress returns a factory drawing a progress bar on w
func TerminalProgress(w io.Writer) ProgressFactory {
	return func(total *float64) ProgressSink {
		return &terminalSink{
			w:     w,
			total: total,
			bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
		}
	}
}

type terminalSink struct {
	w     io.Writer
	total *float64
	n     float64
	bar   progress.Model
}

func (s *terminalSink) Increment(n float64) {
	s.n += n
	s.render()
}

func (s *terminalSink) Set(n float64) {
	s.n = n
	s.render()
}

func (s *terminalSink) Close() {
	s.render()
	fmt.Fprintln(s.w)
}

func (s *terminalSink) render() {
	if s.total == nil || *s.total <= 0 {
		fmt.Fprintf(s.w, "\r%.0f it", s.n)
		return
	}
	fraction := s.n / *s.total
	if fraction > 1 {
		fraction = 1
	}
	fmt.Fprintf(s.w, "\r%s %.0f/%.0f", s.bar.ViewAs(fraction), s.n, *s.total)
}
