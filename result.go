package clippy

// Reserved keys of a method's response payload
const (
	StateKey      = "state"
	SelectorsKey  = "selectors"
	ReturnKey     = "return"
	SelfKey       = "self"
	RefsKey       = "refs"
	ReferencesKey = "references"
)

// Args are the arguments of one call
type Args struct {
	// Positional values are matched against the declared argument
	// positions. Values without a matching declaration are not sent.
	Positional []any
	// Keyword values are sent under their own names and override
	// positional ones. A keyword value of type *[]any, *map[string]any or
	// map[string]any is updated in place when the backend returns it by
	// reference.
	Keyword map[string]any
}

// Positional builds Args from positional values
func Positional(vals ...any) Args {
	return Args{Positional: vals}
}

// Keyword builds Args from keyword values
func Keyword(kw map[string]any) Args {
	return Args{Keyword: kw}
}

// With returns a copy of a with one more keyword argument
func (a Args) With(name string, v any) Args {
	kw := make(map[string]any, len(a.Keyword)+1)
	for k, e := range a.Keyword {
		kw[k] = e
	}
	kw[name] = v
	return Args{Positional: a.Positional, Keyword: kw}
}

// Result is the outcome of one method call
type Result struct {
	// Value is the declared return value, nil when there is none
	Value any
	// Self is set when the backend asked for the instance to be returned
	Self     bool
	Instance *Instance
	// Refs holds the new value of every argument the backend returned by
	// reference, whether or not it was passed as an updatable container
	Refs map[string]any
	// Output is the response's free text, already shown on the display
	Output    string
	HasOutput bool
	// Payload is the complete folded response
	Payload map[string]any
}

// Return yields the instance for self-returning calls and Value otherwise
func (r *Result) Return() any {
	if r.Self {
		return r.Instance
	}
	return r.Value
}
