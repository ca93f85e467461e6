package clippy

import (
	"github.com/machinefabric/clippy-go/clippyerr"
)

// referenceUpdates collects the by-reference values of a payload. The
// refs key, or its older spelling references, holds either a list of
// argument names, whose values sit under their own keys, or an object
// mapping names to values. A null value in the object form falls back to
// the argument's own key. When both keys are present refs wins per name.
func referenceUpdates(payload map[string]any) (map[string]any, error) {
	var out map[string]any
	for _, key := range []string{ReferencesKey, RefsKey} {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		if err := collectRefs(out, payload, key, raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func collectRefs(out, payload map[string]any, key string, raw any) error {
	switch refs := raw.(type) {
	case []any:
		for _, e := range refs {
			name, ok := e.(string)
			if !ok {
				return clippyerr.Protocolf("%s must list argument names, got %T", key, e)
			}
			v, ok := payload[name]
			if !ok {
				return clippyerr.Protocolf("by-reference argument %s has no value", name)
			}
			out[name] = v
		}
	case map[string]any:
		for name, v := range refs {
			if v == nil {
				v = payload[name]
			}
			out[name] = v
		}
	default:
		return clippyerr.Protocolf("%s must be a list or an object, got %T", key, raw)
	}
	return nil
}

// refUpdater prepares the in-place update of target with v. Nothing is
// changed until the returned function runs. A nil v empties the container.
func refUpdater(name string, target, v any) (func(), error) {
	switch t := target.(type) {
	case *[]any:
		if t == nil {
			break
		}
		items, err := asList(name, v)
		if err != nil {
			return nil, err
		}
		return func() { *t = append((*t)[:0], items...) }, nil
	case *map[string]any:
		if t == nil {
			break
		}
		entries, err := asMap(name, v)
		if err != nil {
			return nil, err
		}
		return func() {
			if *t == nil {
				*t = make(map[string]any, len(entries))
			}
			fill(*t, entries)
		}, nil
	case map[string]any:
		if t == nil {
			break
		}
		entries, err := asMap(name, v)
		if err != nil {
			return nil, err
		}
		return func() { fill(t, entries) }, nil
	}
	return nil, clippyerr.Typef("argument %s of type %T cannot be updated by reference", name, target)
}

func fill(dst, src map[string]any) {
	clear(dst)
	for k, v := range src {
		dst[k] = v
	}
}

func asList(name string, v any) ([]any, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return l, nil
	}
	return nil, clippyerr.Typef("argument %s is a list but the backend returned %T", name, v)
}

func asMap(name string, v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return m, nil
	}
	return nil, clippyerr.Typef("argument %s is a mapping but the backend returned %T", name, v)
}
