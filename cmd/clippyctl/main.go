// Command clippyctl inspects and drives a clippy backend from the shell.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/machinefabric/clippy-go/config"
	"github.com/machinefabric/clippy-go/logging"
)

type globals struct {
	configPath string
	logLevel   string
	executable string
	mode       string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "clippyctl",
		Short:         "Discover and call the classes of a clippy backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(errOut)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "TOML configuration file")
	flags.StringVar(&g.logLevel, "log-level", "", "log level (trace, debug, info, warn, error, off)")
	flags.StringVar(&g.executable, "exe", "", "backend executable (overrides "+config.EnvMonolithExe+")")
	flags.StringVar(&g.mode, "mode", "", "backend mode: session or exec")

	root.AddCommand(
		newClassesCmd(g),
		newCallCmd(g),
		newValidateCmd(g),
		newDescribeCmd(g),
	)
	return root
}

// load builds the configuration: defaults, file, environment, then flags
func (g *globals) load(errOut io.Writer) error {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg, err := config.FromEnv(cfg)
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.executable != "" {
		cfg.Backend.Executable = g.executable
	}
	if g.mode != "" {
		cfg.Backend.Mode = config.Mode(g.mode)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log, errOut)
	if err != nil {
		return err
	}
	g.cfg, g.log = cfg, log
	return nil
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clippyctl:", err)
		os.Exit(1)
	}
}
