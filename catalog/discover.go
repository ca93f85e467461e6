// Package catalog performs the one-time handshake with a backend and
// retrieves the descriptors of the classes it implements.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/config"
	"github.com/machinefabric/clippy-go/mux"
)

// ClassesCmd is the reserved command requesting the class catalog
const ClassesCmd = "_getclasses"

// State is a discovery step
type State uint8

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateDiscovering
	StateDiscovered
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateStarting:
		return "STARTING"
	case StateReady:
		return "READY"
	case StateDiscovering:
		return "DISCOVERING"
	case StateDiscovered:
		return "DISCOVERED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Catalog is the result of a successful discovery
type Catalog struct {
	Executable string
	Classes    []ClassDescriptor
	proc       *mux.Process
}

// Class looks up a class descriptor by name
func (c *Catalog) Class(name string) (ClassDescriptor, bool) {
	for _, cls := range c.Classes {
		if cls.Name == name {
			return cls, true
		}
	}
	return ClassDescriptor{}, false
}

// Process returns the backend process kept alive for session calls. It is
// nil when the backend is spawned per call.
func (c *Catalog) Process() *mux.Process {
	return c.proc
}

// Close shuts down the kept process, if any
func (c *Catalog) Close() error {
	if c.proc == nil {
		return nil
	}
	return c.proc.Close()
}

// Discovery drives one backend through the handshake and catalog request.
// It runs at most once; later calls return the first outcome.
type Discovery struct {
	cfg  config.BackendConfig
	opts mux.Options

	mu      sync.Mutex
	state   State
	catalog *Catalog
	err     error
}

// NewDiscovery prepares discovery for cfg.Executable
func NewDiscovery(cfg config.BackendConfig, opts mux.Options) *Discovery {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.Limits.MaxLine <= 0 {
		opts.Limits = cfg.Limits()
	}
	return &Discovery{cfg: cfg, opts: opts}
}

// State returns the current step
func (d *Discovery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Discovery) enter(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.opts.Logger.Debug().Str("backend", d.cfg.Executable).Str("state", s.String()).Msg("discovery")
}

// Run performs discovery. In session mode the backend process stays alive
// and is handed over through the catalog; in exec mode it is shut down.
func (d *Discovery) Run(ctx context.Context) (*Catalog, error) {
	d.mu.Lock()
	if d.state != StateNotStarted {
		state, catalog, err := d.state, d.catalog, d.err
		d.mu.Unlock()
		if state == StateDiscovered || state == StateFailed {
			return catalog, err
		}
		return nil, clippyerr.Configurationf("discovery of %s already in progress", d.cfg.Executable)
	}
	d.state = StateStarting
	d.mu.Unlock()

	catalog, err := d.run(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state, d.err = StateFailed, err
		d.opts.Logger.Error().Err(err).Str("backend", d.cfg.Executable).Msg("discovery failed")
		return nil, err
	}
	d.state, d.catalog = StateDiscovered, catalog
	d.opts.Logger.Info().Str("backend", d.cfg.Executable).Int("classes", len(catalog.Classes)).Msg("discovery complete")
	return catalog, nil
}

func (d *Discovery) run(ctx context.Context) (*Catalog, error) {
	exe := d.cfg.Executable
	if err := CheckExecutable(exe); err != nil {
		return nil, err
	}

	proc, err := mux.Start([]string{exe}, d.opts)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if !keep {
			proc.Close()
		}
	}()

	if err := proc.AwaitReady(ctx, d.cfg.ReadyTimeout); err != nil {
		return nil, err
	}
	d.enter(StateReady)

	d.enter(StateDiscovering)
	resp, err := proc.Exchange(ctx, mux.Request{
		Payload:       map[string]any{"cmd": ClassesCmd},
		RequireOutput: true,
	})
	if err != nil {
		return nil, clippyerr.Wrap(clippyerr.Configuration, err, "%s: class catalog", exe)
	}
	if resp.Failed() {
		return nil, clippyerr.Wrap(clippyerr.Configuration, clippyerr.NewBackend(resp.Stderr), "%s: class catalog request exited with status %d", exe, resp.ExitCode)
	}

	catalog := &Catalog{Executable: exe}
	seen := make(map[string]bool)
	for _, obj := range resp.Results {
		cls, err := ParseClass(obj)
		if err != nil {
			return nil, clippyerr.Wrap(clippyerr.Configuration, err, "%s: class catalog", exe)
		}
		if seen[cls.Name] {
			return nil, clippyerr.Configurationf("%s: class %s declared twice", exe, cls.Name)
		}
		seen[cls.Name] = true
		catalog.Classes = append(catalog.Classes, cls)
	}

	if d.cfg.Mode != config.ModeExec {
		catalog.proc = proc
		keep = true
	}
	return catalog, nil
}

// Discover runs a fresh discovery for cfg
func Discover(ctx context.Context, cfg config.BackendConfig, opts mux.Options) (*Catalog, error) {
	return NewDiscovery(cfg, opts).Run(ctx)
}

// DiscoverAll discovers several backends concurrently. On failure every
// catalog already obtained is closed.
func DiscoverAll(ctx context.Context, cfgs []config.BackendConfig, opts mux.Options) ([]*Catalog, error) {
	catalogs := make([]*Catalog, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			catalog, err := Discover(gctx, cfg, opts)
			if err != nil {
				return err
			}
			catalogs[i] = catalog
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range catalogs {
			if c != nil {
				c.Close()
			}
		}
		return nil, err
	}
	return catalogs, nil
}
