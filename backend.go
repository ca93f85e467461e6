// Package clippy binds the classes a backend executable advertises to Go
// values. A Backend is opened once per executable; it discovers the class
// catalog and builds, for every class, a table of callable methods.
// Instances carry the backend's opaque state blob and a forest of
// selectors that the backend may grow with each call.
package clippy

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/machinefabric/clippy-go/catalog"
	"github.com/machinefabric/clippy-go/channel"
	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/config"
	"github.com/machinefabric/clippy-go/mux"
	"github.com/machinefabric/clippy-go/wire"
)

// Options configure a Backend
type Options struct {
	Logger zerolog.Logger
	// Display receives output, update messages and backend stderr. The
	// default discards them.
	Display  mux.Display
	Progress mux.ProgressFactory
}

// Backend is one discovered backend executable and its classes
type Backend struct {
	cfg     config.BackendConfig
	opts    Options
	codec   *wire.Codec
	catalog *catalog.Catalog
	runner  channel.Runner
	checker channel.Checker

	mu      sync.RWMutex
	classes map[string]*Class
}

// Open discovers the backend described by cfg and builds its classes
func Open(ctx context.Context, cfg config.BackendConfig, opts Options) (*Backend, error) {
	if opts.Display == nil {
		opts.Display = mux.DiscardDisplay()
	}
	b := &Backend{
		cfg:     cfg,
		opts:    opts,
		codec:   wire.NewCodec(),
		classes: make(map[string]*Class),
	}

	muxOpts := b.muxOptions()
	cat, err := catalog.Discover(ctx, cfg, muxOpts)
	if err != nil {
		return nil, err
	}
	b.catalog = cat

	if proc := cat.Process(); proc != nil {
		b.runner = channel.NewSession(proc)
	} else {
		ch := channel.New(cfg, muxOpts)
		b.runner, b.checker = ch, ch
	}

	for _, desc := range cat.Classes {
		if _, err := b.register(desc); err != nil {
			cat.Close()
			return nil, err
		}
	}
	return b, nil
}

// NewBackend builds a backend from an existing catalog and runner. checker
// may be nil, in which case Validate and Help are unavailable.
func NewBackend(classes []catalog.ClassDescriptor, runner channel.Runner, checker channel.Checker, opts Options) (*Backend, error) {
	if opts.Display == nil {
		opts.Display = mux.DiscardDisplay()
	}
	b := &Backend{
		opts:    opts,
		codec:   wire.NewCodec(),
		runner:  runner,
		checker: checker,
		classes: make(map[string]*Class),
	}
	for _, desc := range classes {
		if _, err := b.register(desc); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) muxOptions() mux.Options {
	return mux.Options{
		Codec:       b.codec,
		Limits:      b.cfg.Limits(),
		ReadTimeout: b.cfg.ReadTimeout,
		Display:     b.opts.Display,
		Progress:    b.opts.Progress,
		Logger:      b.opts.Logger,
	}
}

// register builds a class and teaches the codec to carry its instances
func (b *Backend) register(desc catalog.ClassDescriptor) (*Class, error) {
	cls, err := newClass(b, desc)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.classes[desc.Name]; exists {
		return nil, clippyerr.Configurationf("class %s already registered", desc.Name)
	}
	if err := b.codec.Register(instanceExtension(cls)); err != nil {
		return nil, clippyerr.Wrap(clippyerr.Configuration, err, "class %s", desc.Name)
	}
	b.classes[desc.Name] = cls
	return cls, nil
}

// Class looks up a class by name
func (b *Backend) Class(name string) (*Class, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cls, ok := b.classes[name]
	return cls, ok
}

// Classes returns the sorted class names
func (b *Backend) Classes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.classes))
	for name := range b.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Executable returns the backend path, empty for backends built with
// NewBackend
func (b *Backend) Executable() string {
	return b.cfg.Executable
}

// Codec returns the codec that carries this backend's instances
func (b *Backend) Codec() *wire.Codec {
	return b.codec
}

// Close shuts down the backend process kept for session calls
func (b *Backend) Close() error {
	if b.catalog == nil {
		return nil
	}
	return b.catalog.Close()
}
