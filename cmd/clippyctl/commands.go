package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	clippy "github.com/machinefabric/clippy-go"
	"github.com/machinefabric/clippy-go/clippyerr"
	"github.com/machinefabric/clippy-go/config"
	"github.com/machinefabric/clippy-go/mux"
	"github.com/machinefabric/clippy-go/wire"
)

func (g *globals) open(ctx context.Context, cmd *cobra.Command, cfg config.BackendConfig) (*clippy.Backend, error) {
	return clippy.Open(ctx, cfg, clippy.Options{
		Logger:   g.log,
		Display:  mux.NewWriterDisplay(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		Progress: mux.TerminalProgress(cmd.ErrOrStderr()),
	})
}

// instance opens the backend and constructs an instance of className
func (g *globals) instance(cmd *cobra.Command, cfg config.BackendConfig, className string) (*clippy.Backend, *clippy.Instance, error) {
	b, err := g.open(cmd.Context(), cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	cls, ok := b.Class(className)
	if !ok {
		b.Close()
		return nil, nil, clippyerr.Configurationf("backend %s has no class %s", cfg.Executable, className)
	}
	inst, err := cls.New(cmd.Context(), clippy.Args{})
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return b, inst, nil
}

func newClassesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List the classes, methods and selectors a backend offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := g.open(cmd.Context(), cmd, g.cfg.Backend)
			if err != nil {
				return err
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			for _, name := range b.Classes() {
				cls, _ := b.Class(name)
				printClass(out, cls)
			}
			return nil
		},
	}
}

func printClass(out io.Writer, cls *clippy.Class) {
	fmt.Fprintln(out, cls.Name())
	if doc := cls.Doc(); doc != "" {
		fmt.Fprintf(out, "  %s\n", doc)
	}
	desc := cls.Descriptor()
	sels := make([]string, 0, len(desc.Selectors))
	for name := range desc.Selectors {
		sels = append(sels, name)
	}
	sort.Strings(sels)
	for _, name := range sels {
		fmt.Fprintf(out, "  selector %s: %s\n", name, desc.Selectors[name])
	}
	for _, name := range cls.Methods() {
		m, _ := cls.Method(name)
		fmt.Fprintf(out, "  method %s\n", signature(m))
	}
}

func signature(m *clippy.Method) string {
	desc := m.Descriptor()
	args := make([]string, 0, len(desc.Args))
	for _, a := range desc.Args {
		args = append(args, a.Name)
	}
	sig := fmt.Sprintf("%s(%s)", desc.Name, strings.Join(args, ", "))
	if desc.Doc != "" {
		sig += ": " + desc.Doc
	}
	return sig
}

func newCallCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "call <class> <method> [name=value ...]",
		Short: "Construct an instance and call one method on it",
		Long: `Values are decoded as JSON when they parse, otherwise they are sent as
strings. The return value is printed as one line of JSON.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kw, err := parseKeywords(args[2:])
			if err != nil {
				return err
			}
			b, inst, err := g.instance(cmd, g.cfg.Backend, args[0])
			if err != nil {
				return err
			}
			defer b.Close()

			res, err := inst.Call(cmd.Context(), args[1], clippy.Keyword(kw))
			if err != nil {
				return err
			}
			line, err := b.Codec().Encode(res.Return())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(line)
			return err
		},
	}
}

// execConfig forces per-call mode, which validate and help require
func (g *globals) execConfig() config.BackendConfig {
	cfg := g.cfg.Backend
	cfg.Mode = config.ModeExec
	return cfg
}

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <class> <method> [name=value ...]",
		Short: "Dry-run a method call",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kw, err := parseKeywords(args[2:])
			if err != nil {
				return err
			}
			b, inst, err := g.instance(cmd, g.execConfig(), args[0])
			if err != nil {
				return err
			}
			defer b.Close()

			ok, _, err := inst.Validate(cmd.Context(), args[1], clippy.Keyword(kw))
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
			}
			return nil
		},
	}
}

func newDescribeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <class> [method]",
		Short: "Describe a class, or ask the backend for help on a method",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				b, err := g.open(cmd.Context(), cmd, g.cfg.Backend)
				if err != nil {
					return err
				}
				defer b.Close()
				cls, ok := b.Class(args[0])
				if !ok {
					return clippyerr.Configurationf("backend %s has no class %s", g.cfg.Backend.Executable, args[0])
				}
				printClass(cmd.OutOrStdout(), cls)
				return nil
			}

			b, inst, err := g.instance(cmd, g.execConfig(), args[0])
			if err != nil {
				return err
			}
			defer b.Close()
			help, err := inst.Help(cmd.Context(), args[1], clippy.Args{})
			if err != nil {
				return err
			}
			line, err := b.Codec().Encode(help)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(line)
			return err
		},
	}
}

// parseKeywords turns name=value pairs into call arguments
func parseKeywords(pairs []string) (map[string]any, error) {
	kw := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, clippyerr.Typef("argument %q is not name=value", pair)
		}
		if v, err := wire.Decode([]byte(raw)); err == nil {
			kw[name] = v
		} else {
			kw[name] = raw
		}
	}
	return kw, nil
}
