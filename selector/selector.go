// Package selector implements the named, hierarchical reference trees that
// mirror addressable entities inside a backend.
//
// A tree is grown explicitly with Add or wholesale with Import/Merge from
// response payloads. Nodes are never removed; only leaf values are
// overwritten. All nodes of one tree share a single lock, so a Merge is
// observed by readers either completely or not at all.
package selector

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/machinefabric/clippy-go/clippyerr"
)

// Separator joins path components
const Separator = "."

// Node is one named selector
type Node struct {
	name     string
	doc      string
	value    any
	hasValue bool
	parent   *Node
	children map[string]*Node
	mu       *sync.RWMutex
}

// ValidName rejects empty names, names containing the separator and
// names starting with an underscore (reserved).
func ValidName(name string) error {
	switch {
	case name == "":
		return clippyerr.InvalidSelectorf("selector name is empty")
	case strings.HasPrefix(name, "_"):
		return clippyerr.InvalidSelectorf("selector name %q is reserved: must not begin with an underscore", name)
	case strings.Contains(name, Separator):
		return clippyerr.InvalidSelectorf("selector name %q must not contain %q", name, Separator)
	}
	return nil
}

// NewRoot creates a top-level selector. Trees created with the same mu
// are locked together; a nil mu gives the tree its own lock.
func NewRoot(name, doc string, mu *sync.RWMutex) (*Node, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	if mu == nil {
		mu = &sync.RWMutex{}
	}
	return &Node{name: name, doc: doc, children: make(map[string]*Node), mu: mu}, nil
}

// Name returns the node's own name
func (n *Node) Name() string {
	return n.name
}

// Path returns the dotted path from the root, e.g. "nodes.b.c"
func (n *Node) Path() string {
	if n.parent == nil {
		return n.name
	}
	return n.parent.Path() + Separator + n.name
}

// Parent returns the parent node, nil for a root
func (n *Node) Parent() *Node {
	return n.parent
}

// Doc returns the human-readable description
func (n *Node) Doc() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.doc
}

// Value returns the payload value and whether one was set
func (n *Node) Value() (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.value, n.hasValue
}

// SetValue overwrites the payload value
func (n *Node) SetValue(v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = v
	n.hasValue = true
}

// Add creates a child and returns it. Adding an existing name keeps the
// existing node (and its subtree) and replaces its description.
func (n *Node) Add(name, doc string) (*Node, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	child := n.childLocked(name)
	child.doc = doc
	return child, nil
}

// Child looks up a direct child by name
func (n *Node) Child(name string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	child, ok := n.children[name]
	return child, ok
}

// Lookup follows a dotted path relative to n. An empty path returns n.
func (n *Node) Lookup(path string) (*Node, bool) {
	if path == "" {
		return n, true
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	cur := n
	for _, part := range strings.Split(path, Separator) {
		next, ok := cur.children[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Children returns the sorted names of the direct children
func (n *Node) Children() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Import merges a flat dotted-key mapping below n, creating intermediate
// nodes as needed
func (n *Node) Import(flat map[string]any) error {
	nested, err := Nest(flat)
	if err != nil {
		return err
	}
	return n.Merge(nested)
}

// Merge merges a nested mapping below n. Map values denote subtrees, any
// other value becomes the payload of the named node. Names are checked
// before anything is changed.
func (n *Node) Merge(nested map[string]any) error {
	if err := checkNames(nested); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mergeLocked(nested)
	return nil
}

// MarshalJSON encodes the node as an expression variable reference
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"var": n.Path()})
}

func (n *Node) childLocked(name string) *Node {
	child, ok := n.children[name]
	if !ok {
		child = &Node{name: name, parent: n, children: make(map[string]*Node), mu: n.mu}
		n.children[name] = child
	}
	return child
}

func (n *Node) mergeLocked(nested map[string]any) {
	for name, v := range nested {
		child := n.childLocked(name)
		if sub, ok := v.(map[string]any); ok {
			child.mergeLocked(sub)
			continue
		}
		child.value = v
		child.hasValue = true
	}
}

func checkNames(nested map[string]any) error {
	for name, v := range nested {
		if err := ValidName(name); err != nil {
			return err
		}
		if sub, ok := v.(map[string]any); ok {
			if err := checkNames(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// Nest converts {"a.b": 1, "a.c": 2} into {"a": {"b": 1, "c": 2}}. A key
// that is both a leaf and a branch is an InvalidSelector error.
func Nest(flat map[string]any) (map[string]any, error) {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, key := range keys {
		parts := strings.Split(key, Separator)
		cur := out
		for _, part := range parts[:len(parts)-1] {
			next, exists := cur[part]
			if !exists {
				m := make(map[string]any)
				cur[part] = m
				cur = m
				continue
			}
			m, ok := next.(map[string]any)
			if !ok {
				return nil, clippyerr.InvalidSelectorf("selector %q is both a value and a parent in %q", part, key)
			}
			cur = m
		}
		last := parts[len(parts)-1]
		if _, exists := cur[last]; exists {
			return nil, clippyerr.InvalidSelectorf("selector %q is both a value and a parent", key)
		}
		cur[last] = flat[key]
	}
	return out, nil
}
