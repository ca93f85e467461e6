package clippy

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/machinefabric/clippy-go/catalog"
	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/selector"
	"github.com/machinefabric/clippy-go/snapshot"
)

// InitMethod is run by Class.New when the class declares it
const InitMethod = "__init__"

// instanceAttrs are the names an Instance already answers to
var instanceAttrs = map[string]bool{
	"call":      true,
	"class":     true,
	"help":      true,
	"selector":  true,
	"selectors": true,
	"snapshot":  true,
	"state":     true,
	"validate":  true,
}

// Class is the method table built for one class descriptor
type Class struct {
	backend *Backend
	desc    catalog.ClassDescriptor
	methods map[string]*Method
	log     zerolog.Logger
}

func newClass(b *Backend, desc catalog.ClassDescriptor) (*Class, error) {
	cls := &Class{
		backend: b,
		desc:    desc,
		methods: make(map[string]*Method, len(desc.Methods)),
		log:     b.opts.Logger.With().Str("class", desc.Name).Logger(),
	}
	for _, md := range desc.Methods {
		if cls.collides(md.Name) {
			cls.log.Warn().
				Str("method", md.Name).
				Str("backend", b.cfg.Executable).
				Msg("overwriting existing attribute with backend method")
		}
		m, err := newMethod(cls, md)
		if err != nil {
			return nil, err
		}
		cls.methods[md.Name] = m
	}
	return cls, nil
}

// collides reports whether name shadows an instance attribute or one of
// the class selectors. Dunder names are exempt.
func (c *Class) collides(name string) bool {
	if strings.HasPrefix(name, "__") {
		return false
	}
	if _, ok := c.desc.Selectors[name]; ok {
		return true
	}
	if _, ok := c.methods[name]; ok {
		return true
	}
	return instanceAttrs[strings.ToLower(name)]
}

// Name returns the class name
func (c *Class) Name() string {
	return c.desc.Name
}

// Doc returns the class description
func (c *Class) Doc() string {
	return c.desc.Doc
}

// Descriptor returns the catalog entry the class was built from
func (c *Class) Descriptor() catalog.ClassDescriptor {
	return c.desc
}

// Backend returns the owning backend
func (c *Class) Backend() *Backend {
	return c.backend
}

// Method looks up a method by name
func (c *Class) Method(name string) (*Method, bool) {
	m, ok := c.methods[name]
	return m, ok
}

// Methods returns the sorted method names
func (c *Class) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates an instance. When the class declares __init__ it is called
// with args; otherwise args must be empty.
func (c *Class) New(ctx context.Context, args Args) (*Instance, error) {
	inst, err := c.newInstance(map[string]any{})
	if err != nil {
		return nil, err
	}
	ctor, ok := c.methods[InitMethod]
	if !ok {
		if len(args.Positional) > 0 || len(args.Keyword) > 0 {
			return nil, clippyerr.Typef("%s() takes no arguments", c.desc.Name)
		}
		return inst, nil
	}
	if _, err := ctor.Call(ctx, inst, args); err != nil {
		return nil, err
	}
	return inst, nil
}

// newInstance builds an instance with the declared selectors and state,
// without talking to the backend
func (c *Class) newInstance(state any) (*Instance, error) {
	forest := selector.NewForest()
	for name, doc := range c.desc.Selectors {
		if _, err := forest.Add(name, doc); err != nil {
			return nil, err
		}
	}
	return &Instance{class: c, state: state, selectors: forest}, nil
}

// Restore rebuilds an instance from a snapshot of this class
func (c *Class) Restore(data []byte) (*Instance, error) {
	snap, err := snapshot.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if snap.Class != c.desc.Name {
		return nil, clippyerr.Typef("snapshot of class %s cannot restore a %s", snap.Class, c.desc.Name)
	}
	inst, err := c.newInstance(snap.State)
	if err != nil {
		return nil, err
	}
	if err := inst.selectors.Restore(snap.Selectors); err != nil {
		return nil, err
	}
	return inst, nil
}
