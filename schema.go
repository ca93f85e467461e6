package clippy

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/wire"
)

// ArgumentError describes an argument rejected by its declared schema
type ArgumentError struct {
	Method   string
	Argument string
	Details  []string
	Value    any
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %s of %s does not match its schema:\n  - %s",
		e.Argument, e.Method, strings.Join(e.Details, "\n  - "))
}

// argSchemas holds the compiled schemas of one method, keyed by argument
type argSchemas map[string]*gojsonschema.Schema

func compileSchemas(class, method string, schemas map[string]map[string]any) (argSchemas, error) {
	out := make(argSchemas, len(schemas))
	for arg, raw := range schemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
		if err != nil {
			return nil, clippyerr.Wrap(clippyerr.Configuration, err, "%s.%s: schema of argument %s", class, method, arg)
		}
		out[arg] = s
	}
	return out, nil
}

// check validates every present argument that declares a schema. Values
// are lowered by codec first, so extension values are checked in their
// wire form.
func (s argSchemas) check(codec *wire.Codec, method string, args map[string]any) error {
	for name, schema := range s {
		v, ok := args[name]
		if !ok {
			continue
		}
		line, err := codec.Encode(v)
		if err != nil {
			return clippyerr.Wrap(clippyerr.Validation, err, "argument %s of %s", name, method)
		}
		result, err := schema.Validate(gojsonschema.NewBytesLoader(line))
		if err != nil {
			return clippyerr.Wrap(clippyerr.Validation, err, "argument %s of %s", name, method)
		}
		if result.Valid() {
			continue
		}
		argErr := &ArgumentError{Method: method, Argument: name, Value: v}
		for _, desc := range result.Errors() {
			argErr.Details = append(argErr.Details, desc.String())
		}
		return &clippyerr.Error{Type: clippyerr.Validation, Message: argErr.Error(), Err: argErr}
	}
	return nil
}
