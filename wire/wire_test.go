package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/clippy-go/clippyerr"
)

// TEST001: Encode emits exactly one newline-terminated line
func Test001_encode_single_line(t *testing.T) {
	line, err := Encode(map[string]any{"cmd": "run", "text": "a\nb", "html": "<x>"})
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(line, []byte("\n")))
	assert.True(t, bytes.HasSuffix(line, []byte("\n")))
	assert.Contains(t, string(line), `"<x>"`)
}

// TEST002: Integral numbers decode as int64, others as float64
func Test002_decode_numbers(t *testing.T) {
	v, err := Decode([]byte(`{"i": 3, "f": 2.5, "big": 1e3, "list": [1, 2.0]}`))
	require.NoError(t, err)
	obj := v.(map[string]any)
	assert.Equal(t, int64(3), obj["i"])
	assert.Equal(t, 2.5, obj["f"])
	assert.Equal(t, 1000.0, obj["big"])
	assert.Equal(t, []any{int64(1), 2.0}, obj["list"])
}

// TEST003: Empty, undecodable and trailing-data lines are protocol errors
func Test003_decode_errors(t *testing.T) {
	for _, line := range []string{"", "   ", "{", `{"a":1} {"b":2}`, "nope"} {
		_, err := Decode([]byte(line))
		require.Error(t, err, "line %q", line)
		assert.True(t, errors.Is(err, clippyerr.ErrProtocol), "line %q", line)
	}
}

// TEST004: DecodeObject rejects non-object documents
func Test004_decode_object(t *testing.T) {
	obj, err := Default.DecodeObject([]byte("{\"a\":true}\r\n"))
	require.NoError(t, err)
	assert.Equal(t, true, obj["a"])

	_, err = Default.DecodeObject([]byte(`[1,2]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected JSON object")
}

// TEST005: Bytes and times travel inside the extension envelope
func Test005_builtin_extensions(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	line, err := Encode(map[string]any{"data": []byte{0, 1, 2}, "when": when})
	require.NoError(t, err)
	assert.Contains(t, string(line), `"__clippy_type__":{"__class__":"bytes","__state__":"AAEC"}`)

	v, err := Decode(line)
	require.NoError(t, err)
	obj := v.(map[string]any)
	assert.Equal(t, []byte{0, 1, 2}, obj["data"])
	assert.True(t, when.Equal(obj["when"].(time.Time)))
}

type point struct{ X, Y int64 }

// TEST006: Registered extensions round-trip custom types
func Test006_custom_extension(t *testing.T) {
	codec := NewCodec()
	require.NoError(t, codec.Register(ExtensionFunc{
		Name: "point",
		EncodeFunc: func(v any) (any, bool, error) {
			p, ok := v.(point)
			if !ok {
				return nil, false, nil
			}
			return []any{p.X, p.Y}, true, nil
		},
		DecodeFunc: func(state any) (any, error) {
			xy := state.([]any)
			return point{X: xy[0].(int64), Y: xy[1].(int64)}, nil
		},
	}))
	assert.Error(t, codec.Register(BytesExtension{}))

	line, err := codec.Encode([]any{point{1, 2}})
	require.NoError(t, err)
	v, err := codec.Decode(line)
	require.NoError(t, err)
	assert.Equal(t, []any{point{1, 2}}, v)
}

// TEST007: Unknown extension tags are protocol errors
func Test007_unknown_extension(t *testing.T) {
	_, err := Decode([]byte(`{"__clippy_type__":{"__class__":"mystery","__state__":1}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, clippyerr.ErrProtocol))
	assert.Contains(t, err.Error(), "mystery")
}

// TEST008: Typed slices, maps and pointers are lowered structurally
func Test008_lower_reflect(t *testing.T) {
	n := 5
	line, err := Encode(map[string]any{"ints": []int{1, 2}, "m": map[string]int{"k": 1}, "p": &n, "nil": (*int)(nil)})
	require.NoError(t, err)
	v, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"ints": []any{int64(1), int64(2)},
		"m":    map[string]any{"k": int64(1)},
		"p":    int64(5),
		"nil":  nil,
	}, v)
}

// TEST009: LineReader splits lines, trims CR and enforces max_line
func Test009_line_reader(t *testing.T) {
	r := NewLineReader(strings.NewReader("one\r\ntwo\nthree"))
	for _, want := range []string{"one", "two", "three"} {
		line, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, string(line))
	}
	_, err := r.ReadLine()
	assert.Equal(t, io.EOF, err)

	small := NewLineReaderWithLimits(strings.NewReader(strings.Repeat("x", 100)+"\n"), Limits{MaxLine: 16})
	_, err = small.ReadLine()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_line")
}

// TEST010: LineWriter writes encoded values and rejects oversized lines
func Test010_line_writer(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(&buf, nil)
	require.NoError(t, w.WriteValue(map[string]any{"cmd": "x"}))
	assert.Equal(t, "{\"cmd\":\"x\"}\n", buf.String())

	w.SetLimits(Limits{MaxLine: 4})
	assert.Error(t, w.WriteValue(map[string]any{"cmd": "x"}))
}

func pointExtension(scale int64) ExtensionFunc {
	return ExtensionFunc{
		Name: "point",
		EncodeFunc: func(v any) (any, bool, error) {
			p, ok := v.(point)
			if !ok {
				return nil, false, nil
			}
			return []any{p.X * scale, p.Y * scale}, true, nil
		},
		DecodeFunc: func(state any) (any, error) {
			xy := state.([]any)
			return point{X: xy[0].(int64), Y: xy[1].(int64)}, nil
		},
	}
}

// TEST011: A repeated tag passed to NewCodec replaces the earlier extension
func Test011_codec_duplicate_tag(t *testing.T) {
	var codec *Codec
	require.NotPanics(t, func() {
		codec = NewCodec(pointExtension(1), pointExtension(10))
	})

	line, err := codec.Encode(point{1, 2})
	require.NoError(t, err)
	assert.Equal(t, `{"__clippy_type__":{"__class__":"point","__state__":[10,20]}}`+"\n", string(line))
}
