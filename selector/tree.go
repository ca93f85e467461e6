package selector

// Tree is the detached, serializable form of a selector subtree
type Tree struct {
	Doc      string          `json:"doc,omitempty"`
	Value    any             `json:"value,omitempty"`
	HasValue bool            `json:"has_value,omitempty"`
	Children map[string]Tree `json:"children,omitempty"`
}

// Export copies the subtree rooted at n
func (n *Node) Export() Tree {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.exportLocked()
}

func (n *Node) exportLocked() Tree {
	t := Tree{Doc: n.doc, Value: n.value, HasValue: n.hasValue}
	if len(n.children) > 0 {
		t.Children = make(map[string]Tree, len(n.children))
		for name, child := range n.children {
			t.Children[name] = child.exportLocked()
		}
	}
	return t
}

// Restore grows n to contain t. Existing nodes are kept, descriptions and
// values from t overwrite.
func (n *Node) Restore(t Tree) error {
	if err := checkTree(t); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restoreLocked(t)
	return nil
}

func (n *Node) restoreLocked(t Tree) {
	n.doc = t.Doc
	if t.HasValue {
		n.value = t.Value
		n.hasValue = true
	}
	for name, sub := range t.Children {
		n.childLocked(name).restoreLocked(sub)
	}
}

func checkTree(t Tree) error {
	for name, sub := range t.Children {
		if err := ValidName(name); err != nil {
			return err
		}
		if err := checkTree(sub); err != nil {
			return err
		}
	}
	return nil
}
