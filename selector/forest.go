package selector

import (
	"sort"
	"strings"
	"sync"

	"github.com/machinefabric/clippy-go/clippyerr"
)

// Forest is the set of top-level selectors exposed by one instance. Every
// tree in a forest shares the forest's lock.
type Forest struct {
	mu    *sync.RWMutex
	roots map[string]*Node
}

// NewForest creates an empty forest
func NewForest() *Forest {
	return &Forest{mu: &sync.RWMutex{}, roots: make(map[string]*Node)}
}

// Add creates a top-level selector. Adding an existing name returns the
// existing root.
func (f *Forest) Add(name, doc string) (*Node, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if root, ok := f.roots[name]; ok {
		root.doc = doc
		return root, nil
	}
	root := &Node{name: name, doc: doc, children: make(map[string]*Node), mu: f.mu}
	f.roots[name] = root
	return root, nil
}

// Root returns the top-level selector called name
func (f *Forest) Root(name string) (*Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	root, ok := f.roots[name]
	return root, ok
}

// Lookup resolves a dotted path whose first component is a root name
func (f *Forest) Lookup(path string) (*Node, bool) {
	top, rest, _ := strings.Cut(path, Separator)
	root, ok := f.Root(top)
	if !ok {
		return nil, false
	}
	return root.Lookup(rest)
}

// Names returns the sorted root names
func (f *Forest) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.roots))
	for name := range f.roots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// View runs fn with the forest read-locked
func (f *Forest) View(fn func()) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn()
}

// Update merges a flat dotted-key mapping into the forest. The first
// component of every key must name an existing root; nothing is changed
// when one does not. commit, if non-nil, runs under the same write lock
// just before the merge so callers can publish related changes together.
func (f *Forest) Update(flat map[string]any, commit func()) error {
	nested, err := Nest(flat)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for top, v := range nested {
		if _, ok := f.roots[top]; !ok {
			return clippyerr.InvalidSelectorf("selector %s not found in class; aborting", top)
		}
		if sub, ok := v.(map[string]any); ok {
			if err := checkNames(sub); err != nil {
				return err
			}
		}
	}

	if commit != nil {
		commit()
	}
	for top, v := range nested {
		root := f.roots[top]
		if sub, ok := v.(map[string]any); ok {
			root.mergeLocked(sub)
			continue
		}
		root.value = v
		root.hasValue = true
	}
	return nil
}

// Export copies every tree of the forest
func (f *Forest) Export() map[string]Tree {
	return f.Capture(nil)
}

// Capture is Export with fn run under the same read lock, so related data
// can be copied consistently with the trees
func (f *Forest) Capture(fn func()) map[string]Tree {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if fn != nil {
		fn()
	}
	out := make(map[string]Tree, len(f.roots))
	for name, root := range f.roots {
		out[name] = root.exportLocked()
	}
	return out
}

// Restore grows existing roots from trees. Trees for unknown roots are
// an InvalidSelector error and nothing is changed.
func (f *Forest) Restore(trees map[string]Tree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, t := range trees {
		if _, ok := f.roots[name]; !ok {
			return clippyerr.InvalidSelectorf("selector %s not found in class; aborting", name)
		}
		if err := checkTree(t); err != nil {
			return err
		}
	}
	for name, t := range trees {
		f.roots[name].restoreLocked(t)
	}
	return nil
}
