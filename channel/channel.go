// Package channel layers the three command modes (run, validate and help)
// on top of backend exchanges. A Channel spawns the backend once per call;
// a Session reuses one long-lived backend process.
package channel

import (
	"context"
	"fmt"

	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/config"
	"github.com/machinefabric/clippy-go/mux"
)

// CmdKey names the command in every request payload
const CmdKey = "cmd"

// Mode is one of the three call modes
type Mode uint8

const (
	ModeRun Mode = iota
	ModeValidate
	ModeHelp
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeRun:
		return "run"
	case ModeValidate:
		return "validate"
	case ModeHelp:
		return "help"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// Reply is the outcome of a run or help call
type Reply struct {
	// Payload is the folded response, empty when the backend sent nothing
	Payload map[string]any
	Stderr  string
	// OutputShown is set when every output field was already displayed
	OutputShown bool
	ExchangeID  string
}

// Runner executes methods
type Runner interface {
	Run(ctx context.Context, name string, args map[string]any) (*Reply, error)
}

// Checker offers dry-run validation and help text
type Checker interface {
	Validate(ctx context.Context, name string, args map[string]any) (bool, string, error)
	Help(ctx context.Context, name string, args map[string]any) (*Reply, error)
}

// Payload builds a request: args plus the command name. args never
// override the command name.
func Payload(name string, args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out[CmdKey] = name
	return out
}

func newReply(resp *mux.Response) *Reply {
	payload := resp.Object()
	if payload == nil {
		payload = map[string]any{}
	}
	return &Reply{
		Payload:     payload,
		Stderr:      resp.Stderr,
		OutputShown: resp.OutputShown,
		ExchangeID:  resp.ID,
	}
}

// Channel runs commands by spawning the backend executable per call
type Channel struct {
	cfg  config.BackendConfig
	opts mux.Options
}

var (
	_ Runner  = (*Channel)(nil)
	_ Checker = (*Channel)(nil)
)

// New creates a channel for cfg.Executable
func New(cfg config.BackendConfig, opts mux.Options) *Channel {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.Limits.MaxLine <= 0 {
		opts.Limits = cfg.Limits()
	}
	return &Channel{cfg: cfg, opts: opts}
}

// Command returns the argv used for mode
func (c *Channel) Command(mode Mode) []string {
	var argv []string
	switch mode {
	case ModeRun:
		argv = append(argv, c.cfg.ExecPrefix...)
		argv = append(argv, c.cfg.Executable)
	case ModeValidate:
		argv = append(argv, c.cfg.ValidatePrefix...)
		argv = append(argv, c.cfg.Executable, c.cfg.DryRunFlag)
	case ModeHelp:
		argv = append(argv, c.cfg.ValidatePrefix...)
		argv = append(argv, c.cfg.Executable, c.cfg.HelpFlag)
	}
	return argv
}

// Run executes name. A non-zero exit is a backend error.
func (c *Channel) Run(ctx context.Context, name string, args map[string]any) (*Reply, error) {
	resp, err := c.exchange(ctx, ModeRun, name, args)
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, clippyerr.NewBackend(resp.Stderr)
	}
	return newReply(resp), nil
}

// Validate dry-runs name. A non-zero exit yields ok=false, the backend's
// stderr and a validation error.
func (c *Channel) Validate(ctx context.Context, name string, args map[string]any) (bool, string, error) {
	resp, err := c.exchange(ctx, ModeValidate, name, args)
	if err != nil {
		return false, "", err
	}
	if resp.Failed() {
		return false, resp.Stderr, clippyerr.NewValidation(resp.Stderr)
	}
	return true, resp.Stderr, nil
}

// Help asks the backend to describe name
func (c *Channel) Help(ctx context.Context, name string, args map[string]any) (*Reply, error) {
	resp, err := c.exchange(ctx, ModeHelp, name, args)
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, clippyerr.NewValidation(resp.Stderr)
	}
	return newReply(resp), nil
}

func (c *Channel) exchange(ctx context.Context, mode Mode, name string, args map[string]any) (*mux.Response, error) {
	if c.cfg.Executable == "" {
		return nil, clippyerr.Configurationf("no backend executable configured")
	}
	argv := c.Command(mode)
	log := c.opts.Logger.With().Str("mode", mode.String()).Str("cmd", name).Logger()
	log.Debug().Strs("argv", argv).Msg("spawning backend")

	p, err := mux.Start(argv, c.opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Debug().Err(err).Msg("close backend")
		}
	}()

	return p.Exchange(ctx, mux.Request{
		Payload:       Payload(name, args),
		CloseInput:    true,
		RequireOutput: mode == ModeRun,
	})
}
