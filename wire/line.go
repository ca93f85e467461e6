package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// LineReader reads newline-delimited lines from a stream
type LineReader struct {
	scanner *bufio.Scanner
	limits  Limits
}

// NewLineReader creates a LineReader with default limits
func NewLineReader(r io.Reader) *LineReader {
	return NewLineReaderWithLimits(r, DefaultLimits())
}

// NewLineReaderWithLimits creates a LineReader enforcing limits
func NewLineReaderWithLimits(r io.Reader, limits Limits) *LineReader {
	limits = limits.normalized()
	scanner := bufio.NewScanner(r)
	initial := minLineBuffer
	if initial > limits.MaxLine {
		initial = limits.MaxLine
	}
	scanner.Buffer(make([]byte, 0, initial), limits.MaxLine)
	return &LineReader{scanner: scanner, limits: limits}
}

// ReadLine returns the next line without its terminator. io.EOF is
// returned once the stream is exhausted.
func (lr *LineReader) ReadLine() ([]byte, error) {
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			if err == bufio.ErrTooLong {
				return nil, fmt.Errorf("line exceeds max_line limit %d", lr.limits.MaxLine)
			}
			return nil, err
		}
		return nil, io.EOF
	}
	line := lr.scanner.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return bytes.TrimSuffix(out, []byte("\r")), nil
}

// LineWriter writes encoded documents to a stream
type LineWriter struct {
	writer io.Writer
	codec  *Codec
	limits Limits
}

// NewLineWriter creates a LineWriter using codec (Default when nil)
func NewLineWriter(w io.Writer, codec *Codec) *LineWriter {
	if codec == nil {
		codec = Default
	}
	return &LineWriter{writer: w, codec: codec, limits: DefaultLimits()}
}

// SetLimits updates the writer's limits
func (lw *LineWriter) SetLimits(limits Limits) {
	lw.limits = limits.normalized()
}

// WriteValue encodes v and writes it as a single line
func (lw *LineWriter) WriteValue(v any) error {
	line, err := lw.codec.Encode(v)
	if err != nil {
		return err
	}
	if len(line) > lw.limits.MaxLine {
		return fmt.Errorf("encoded line size %d exceeds max_line limit %d", len(line), lw.limits.MaxLine)
	}
	if _, err := lw.writer.Write(line); err != nil {
		return err
	}
	if f, ok := lw.writer.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
