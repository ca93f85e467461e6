// Package wire encodes and decodes the newline-delimited JSON documents
// exchanged with a backend process.
//
// Every unit on the wire is exactly one JSON document followed by a newline.
// Values that JSON cannot represent natively travel inside an extension
// envelope:
//
//	{"__clippy_type__": {"__class__": <tag>, "__state__": <state>}}
//
// Extensions are registered per Codec; the Default codec knows about
// []byte and time.Time.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/machinefabric/clippy-go/clippyerr"
)

// Envelope keys for extension-encoded values
const (
	TypeKey  = "__clippy_type__"
	ClassKey = "__class__"
	StateKey = "__state__"
)

// Codec converts values to and from single wire lines
type Codec struct {
	mu    sync.RWMutex
	exts  []Extension
	byTag map[string]Extension
}

// NewCodec creates a codec with the built-in extensions plus exts
func NewCodec(exts ...Extension) *Codec {
	c := &Codec{byTag: make(map[string]Extension)}
	for _, ext := range append([]Extension{BytesExtension{}, TimeExtension{}}, exts...) {
		// built-ins never collide, caller-supplied duplicates replace them
		c.register(ext)
	}
	return c
}

// Default is the codec used by the package-level Encode and Decode
var Default = NewCodec()

// Encode encodes v with the Default codec
func Encode(v any) ([]byte, error) {
	return Default.Encode(v)
}

// Decode decodes a line with the Default codec
func Decode(line []byte) (any, error) {
	return Default.Decode(line)
}

// Register adds an extension. Registering a tag twice is an error.
func (c *Codec) Register(ext Extension) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byTag[ext.Tag()]; exists {
		return fmt.Errorf("wire: extension %q already registered", ext.Tag())
	}
	c.exts = append(c.exts, ext)
	c.byTag[ext.Tag()] = ext
	return nil
}

func (c *Codec) register(ext Extension) {
	if _, exists := c.byTag[ext.Tag()]; exists {
		for i, e := range c.exts {
			if e.Tag() == ext.Tag() {
				c.exts = append(c.exts[:i], c.exts[i+1:]...)
				break
			}
		}
	}
	c.exts = append(c.exts, ext)
	c.byTag[ext.Tag()] = ext
}

// Encode returns v as one newline-terminated JSON document
func (c *Codec) Encode(v any) ([]byte, error) {
	lowered, err := c.lower(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// json.Encoder terminates the document with exactly one newline and
	// escapes newlines inside strings, so the result is always one line.
	if err := enc.Encode(lowered); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses one line. Failure is a protocol error.
func (c *Codec) Decode(line []byte) (any, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, clippyerr.Protocolf("empty line")
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, clippyerr.Wrap(clippyerr.Protocol, err, "undecodable line %q", line)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, clippyerr.Protocolf("trailing data after document: %q", line)
	}
	return c.raise(v)
}

// DecodeObject parses one line that must hold a JSON object
func (c *Codec) DecodeObject(line []byte) (map[string]any, error) {
	v, err := c.Decode(line)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, clippyerr.Protocolf("expected JSON object, got %T: %q", v, line)
	}
	return obj, nil
}

// lower replaces extension values with their envelopes
func (c *Codec) lower(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	c.mu.RLock()
	exts := c.exts
	c.mu.RUnlock()
	for _, ext := range exts {
		state, ok, err := ext.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("wire: extension %q: %w", ext.Tag(), err)
		}
		if !ok {
			continue
		}
		inner, err := c.lower(state)
		if err != nil {
			return nil, err
		}
		return map[string]any{TypeKey: map[string]any{ClassKey: ext.Tag(), StateKey: inner}}, nil
	}

	switch t := v.(type) {
	case json.Marshaler, json.Number, string, bool:
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			lowered, err := c.lower(e)
			if err != nil {
				return nil, err
			}
			out[k] = lowered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			lowered, err := c.lower(e)
			if err != nil {
				return nil, err
			}
			out[i] = lowered
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return c.lower(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			lowered, err := c.lower(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = lowered
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			lowered, err := c.lower(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = lowered
		}
		return out, nil
	}
	return v, nil
}

// raise normalizes numbers and rebuilds extension values
func (c *Codec) raise(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, clippyerr.Wrap(clippyerr.Protocol, err, "bad number %q", t.String())
		}
		return f, nil
	case []any:
		for i, e := range t {
			raised, err := c.raise(e)
			if err != nil {
				return nil, err
			}
			t[i] = raised
		}
		return t, nil
	case map[string]any:
		if env, ok := t[TypeKey]; ok && len(t) == 1 {
			return c.raiseExtension(env)
		}
		for k, e := range t {
			raised, err := c.raise(e)
			if err != nil {
				return nil, err
			}
			t[k] = raised
		}
		return t, nil
	}
	return v, nil
}

func (c *Codec) raiseExtension(env any) (any, error) {
	fields, ok := env.(map[string]any)
	if !ok {
		return nil, clippyerr.Protocolf("malformed %s envelope: %v", TypeKey, env)
	}
	tag, _ := fields[ClassKey].(string)

	c.mu.RLock()
	ext, found := c.byTag[tag]
	c.mu.RUnlock()
	if !found {
		return nil, clippyerr.Protocolf("unknown extension type %q", tag)
	}

	state, err := c.raise(fields[StateKey])
	if err != nil {
		return nil, err
	}
	out, err := ext.Decode(state)
	if err != nil {
		return nil, clippyerr.Wrap(clippyerr.Protocol, err, "decode extension %q", tag)
	}
	return out, nil
}
