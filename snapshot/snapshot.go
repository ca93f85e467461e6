// Package snapshot persists instances: the class name, the opaque state
// blob and the selector trees, encoded as deterministic CBOR.
package snapshot

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/selector"
)

// Version is written into every snapshot
const Version = 1

// Snapshot is the persisted form of one instance
type Snapshot struct {
	Version   int                      `cbor:"v"`
	Class     string                   `cbor:"class"`
	State     any                      `cbor:"state,omitempty"`
	Selectors map[string]selector.Tree `cbor:"selectors,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same instance always yields the
	// same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// state blobs come from JSON, keep the JSON shapes
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes s
func Marshal(s Snapshot) ([]byte, error) {
	if s.Class == "" {
		return nil, clippyerr.Configurationf("snapshot without class name")
	}
	s.Version = Version
	return encMode.Marshal(s)
}

// Unmarshal decodes a snapshot produced by Marshal
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := decMode.Unmarshal(data, &s); err != nil {
		return Snapshot{}, clippyerr.Wrap(clippyerr.Configuration, err, "decode snapshot")
	}
	if s.Version != Version {
		return Snapshot{}, clippyerr.Configurationf("unsupported snapshot version %d", s.Version)
	}
	if s.Class == "" {
		return Snapshot{}, clippyerr.Configurationf("snapshot without class name")
	}
	return s, nil
}
