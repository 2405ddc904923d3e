// Package main is the entry point for the interpose Lua runner.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/interpose/internal/config"
	"github.com/dshills/interpose/internal/interpose"
	"github.com/dshills/interpose/internal/logging"
	"github.com/dshills/interpose/internal/luaapi"
	"github.com/dshills/interpose/internal/vm"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// options holds command line flags.
type options struct {
	ConfigPath string
	LogLevel   string
	Aliases    bool
	Check      bool
	Entry      string
	Script     string
	Args       []string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.Aliases {
		cfg.Sandbox.Aliases = true
	}

	log, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	state, err := vm.NewState(
		vm.WithLogger(log),
		vm.WithExecutionTimeout(cfg.Timeout()),
		vm.WithEngineOptions(cfg.EngineOptions()...),
		vm.WithCapabilities(cfg.Capabilities()...),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer state.Close()

	if state.Sandbox().HasCapability(vm.CapabilityInterpose) {
		if _, err := luaapi.Open(state); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	registerHostFuncs(state, log)
	setArgs(state, opts)

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec := vm.NewExecutor(state, 0)
	go exec.Run(ctx)
	defer exec.Close()

	log.WithFields(map[string]any{
		"engine":       state.Engine().ID().String(),
		"capabilities": state.Sandbox().Capabilities(),
	}).Debug("interpreter ready")

	if opts.Script == "" {
		return repl(ctx, exec, cfg.REPL, log)
	}
	return report(log, runScript(ctx, exec, opts, os.Stdin, os.Stdout))
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file (.toml, .yaml)")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.Aliases, "aliases", false, "Install the compatibility alias globals")
	flag.BoolVar(&opts.Check, "check", false, "Compile the script without running it")
	flag.StringVar(&opts.Entry, "entry", "", "Global function to call after the script, with the trailing args")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "interpose - Lua runner with function interposition\n\n")
		fmt.Fprintf(os.Stderr, "Usage: interpose [options] [script | -] [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nWith no script an interactive prompt starts; - reads the script from stdin.\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("interpose %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if args := flag.Args(); len(args) > 0 {
		opts.Script = args[0]
		opts.Args = args[1:]
	}
	return opts
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (*logging.Logger, func(), error) {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLogLevel(cfg.Level)
	lc.Format = logging.Format(cfg.Format)

	closeFn := func() {}
	switch cfg.Output {
	case "stderr":
		lc.Output = os.Stderr
	case "stdout":
		lc.Output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		lc.Output = f
		closeFn = func() { _ = f.Close() }
	}

	log := logging.NewLogger(lc)
	return log, func() {
		_ = log.Sync()
		closeFn()
	}, nil
}

// setArgs exposes the script name and trailing arguments as the global arg.
func setArgs(state *vm.State, opts options) {
	tbl, ok := state.Bridge().ToLuaValue(opts.Args).(*lua.LTable)
	if !ok {
		tbl = state.LuaState().NewTable()
	}
	if opts.Script != "" {
		tbl.RawSetInt(0, lua.LString(opts.Script))
	}
	state.SetGlobal("arg", tbl)
}

// report prints a script failure and returns the exit code.
func report(log *logging.Logger, err error) int {
	if err == nil {
		return 0
	}
	var se *interpose.ScriptError
	switch {
	case errors.As(err, &se):
		fmt.Fprintln(os.Stderr, se.Error())
		if se.Traceback != "" {
			log.Debug("%s", se.Traceback)
		}
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		return 130
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return 1
}
