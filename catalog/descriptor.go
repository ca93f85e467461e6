package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/selector"
)

// ArgDescriptor declares one method argument
type ArgDescriptor struct {
	Name string `json:"name"`
	// Position is the index of the positional argument feeding this one
	Position *int   `json:"position,omitempty"`
	Desc     string `json:"desc,omitempty"`
	// Schema is an optional JSON Schema the value must satisfy
	Schema map[string]any `json:"schema,omitempty"`
}

// IsPositional returns true if the argument can be passed by position
func (a ArgDescriptor) IsPositional() bool {
	return a.Position != nil
}

// MethodDescriptor declares one backend method
type MethodDescriptor struct {
	Name string          `json:"name"`
	Doc  string          `json:"doc,omitempty"`
	Args []ArgDescriptor `json:"args,omitempty"`
}

// Arg looks up an argument by name
func (m MethodDescriptor) Arg(name string) (ArgDescriptor, bool) {
	for _, a := range m.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgDescriptor{}, false
}

// ClassDescriptor declares one backend class
type ClassDescriptor struct {
	Name string `json:"name"`
	Doc  string `json:"doc,omitempty"`
	// Selectors maps each top-level selector name to its description
	Selectors map[string]string  `json:"selectors,omitempty"`
	Methods   []MethodDescriptor `json:"methods,omitempty"`
}

// Method looks up a method by name
func (c ClassDescriptor) Method(name string) (MethodDescriptor, bool) {
	for _, m := range c.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodDescriptor{}, false
}

// ParseClass builds a descriptor from one decoded catalog entry
func ParseClass(obj map[string]any) (ClassDescriptor, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return ClassDescriptor{}, clippyerr.Wrap(clippyerr.Protocol, err, "re-encode class entry")
	}
	var desc ClassDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return ClassDescriptor{}, clippyerr.Wrap(clippyerr.Protocol, err, "malformed class entry %s", raw)
	}
	if err := desc.Validate(); err != nil {
		return ClassDescriptor{}, err
	}
	return desc, nil
}

// Validate checks names and argument positions
func (c ClassDescriptor) Validate() error {
	if c.Name == "" {
		return clippyerr.Protocolf("class entry without name")
	}
	for name := range c.Selectors {
		if err := selector.ValidName(name); err != nil {
			return fmt.Errorf("class %s: %w", c.Name, err)
		}
	}
	seen := make(map[string]bool, len(c.Methods))
	for _, m := range c.Methods {
		if m.Name == "" {
			return clippyerr.Protocolf("class %s: method without name", c.Name)
		}
		if seen[m.Name] {
			return clippyerr.Protocolf("class %s: duplicate method %s", c.Name, m.Name)
		}
		seen[m.Name] = true
		if err := m.validateArgs(); err != nil {
			return fmt.Errorf("class %s: %w", c.Name, err)
		}
	}
	return nil
}

func (m MethodDescriptor) validateArgs() error {
	names := make(map[string]bool, len(m.Args))
	positions := make(map[int]string)
	for _, a := range m.Args {
		if a.Name == "" {
			return clippyerr.Protocolf("method %s: argument without name", m.Name)
		}
		if names[a.Name] {
			return clippyerr.Protocolf("method %s: duplicate argument %s", m.Name, a.Name)
		}
		names[a.Name] = true
		if a.Position == nil {
			continue
		}
		if *a.Position < 0 {
			return clippyerr.Protocolf("method %s: argument %s has negative position %d", m.Name, a.Name, *a.Position)
		}
		if other, taken := positions[*a.Position]; taken {
			return clippyerr.Protocolf("method %s: arguments %s and %s share position %d", m.Name, other, a.Name, *a.Position)
		}
		positions[*a.Position] = a.Name
	}
	return nil
}
