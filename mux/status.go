package mux

import (
	"fmt"
)

// StatusKey is the object key carrying a control status
const StatusKey = "_status"

// Status values carried under StatusKey
const (
	StatusReady  = "ready"
	StatusStart  = "start"
	StatusUpdate = "update"
	StatusEnd    = "end"
)

// Keys recognised on UPDATE envelopes and result objects
const (
	MessageKey       = "message"
	OutputKey        = "output"
	ProgressStartKey = "progress_start"
	ProgressIncKey   = "progress_inc"
	ProgressSetKey   = "progress_set"
	ProgressEndKey   = "progress_end"
)

// Kind classifies one decoded line from a backend's output stream
type Kind uint8

const (
	KindResult Kind = iota // anything not matching a control shape
	KindReady
	KindStart
	KindUpdate
	KindEnd
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindResult:
		return "RESULT"
	case KindReady:
		return "READY"
	case KindStart:
		return "START"
	case KindUpdate:
		return "UPDATE"
	case KindEnd:
		return "END"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// Classify determines the Kind of a decoded object. READY, START and END
// must be exactly {"_status": <value>}; UPDATE may carry extra fields.
// Any other shape is a RESULT.
func Classify(obj map[string]any) Kind {
	status, ok := obj[StatusKey].(string)
	if !ok {
		return KindResult
	}
	switch status {
	case StatusUpdate:
		return KindUpdate
	case StatusReady:
		if len(obj) == 1 {
			return KindReady
		}
	case StatusStart:
		if len(obj) == 1 {
			return KindStart
		}
	case StatusEnd:
		if len(obj) == 1 {
			return KindEnd
		}
	}
	return KindResult
}

// number converts a decoded JSON number to float64
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
