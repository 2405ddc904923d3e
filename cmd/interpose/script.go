package main

import (
	"context"
	"fmt"
	"io"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/interpose/internal/vm"
)

// runScript runs (or with -check only compiles) the script named by opts,
// then calls the -entry global with the trailing arguments.
func runScript(ctx context.Context, exec *vm.Executor, opts options, stdin io.Reader, stdout io.Writer) error {
	var code string
	if opts.Script == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	if opts.Check {
		name := opts.Script
		if name == "-" {
			name = "=stdin"
		} else {
			data, err := os.ReadFile(opts.Script)
			if err != nil {
				return err
			}
			code = string(data)
		}
		return exec.Execute(ctx, func(_ context.Context, s *vm.State) error {
			if _, err := s.LoadString(code, name); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s: ok\n", name)
			return nil
		})
	}

	return exec.Execute(ctx, func(ctx context.Context, s *vm.State) error {
		var err error
		if opts.Script == "-" {
			err = s.DoStringContext(ctx, code)
		} else {
			err = s.DoFileContext(ctx, opts.Script)
		}
		if err != nil || opts.Entry == "" {
			return err
		}

		args := make([]lua.LValue, len(opts.Args))
		for i, a := range opts.Args {
			args[i] = lua.LString(a)
		}
		results, err := s.Call(opts.Entry, args...)
		if err != nil {
			return err
		}
		if len(results) > 0 {
			fmt.Fprintln(stdout, formatResults(results))
		}
		return nil
	})
}
