package wire

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Extension teaches a Codec to carry a value JSON cannot represent natively
type Extension interface {
	// Tag names the extension on the wire (the __class__ field)
	Tag() string
	// Encode returns the serializable state of v. ok is false when v is
	// not handled by this extension.
	Encode(v any) (state any, ok bool, err error)
	// Decode rebuilds a value from its (already decoded) state
	Decode(state any) (any, error)
}

// ExtensionFunc adapts a pair of functions to the Extension interface
type ExtensionFunc struct {
	Name       string
	EncodeFunc func(v any) (any, bool, error)
	DecodeFunc func(state any) (any, error)
}

// Tag returns the extension name
func (f ExtensionFunc) Tag() string { return f.Name }

// Encode calls EncodeFunc
func (f ExtensionFunc) Encode(v any) (any, bool, error) { return f.EncodeFunc(v) }

// Decode calls DecodeFunc
func (f ExtensionFunc) Decode(state any) (any, error) { return f.DecodeFunc(state) }

// BytesExtension carries []byte as standard base64
type BytesExtension struct{}

// Tag returns "bytes"
func (BytesExtension) Tag() string { return "bytes" }

// Encode handles []byte
func (BytesExtension) Encode(v any) (any, bool, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return base64.StdEncoding.EncodeToString(b), true, nil
}

// Decode rebuilds a []byte
func (BytesExtension) Decode(state any) (any, error) {
	s, ok := state.(string)
	if !ok {
		return nil, fmt.Errorf("bytes state must be a string, got %T", state)
	}
	return base64.StdEncoding.DecodeString(s)
}

// TimeExtension carries time.Time as RFC 3339 with nanoseconds
type TimeExtension struct{}

// Tag returns "datetime"
func (TimeExtension) Tag() string { return "datetime" }

// Encode handles time.Time and *time.Time
func (TimeExtension) Encode(v any) (any, bool, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339Nano), true, nil
	case *time.Time:
		if t == nil {
			return nil, false, nil
		}
		return t.Format(time.RFC3339Nano), true, nil
	}
	return nil, false, nil
}

// Decode rebuilds a time.Time
func (TimeExtension) Decode(state any) (any, error) {
	s, ok := state.(string)
	if !ok {
		return nil, fmt.Errorf("datetime state must be a string, got %T", state)
	}
	return time.Parse(time.RFC3339Nano, s)
}
