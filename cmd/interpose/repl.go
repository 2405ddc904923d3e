package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/dshills/interpose/internal/config"
	"github.com/dshills/interpose/internal/logging"
	"github.com/dshills/interpose/internal/luaapi"
	"github.com/dshills/interpose/internal/vm"
)

const (
	defaultHistoryFile = ".interpose_history"
	continuationPrompt = ">> "
	replChunkName      = "=stdin"
)

// repl runs the interactive prompt until EOF or :quit.
func repl(ctx context.Context, exec *vm.Executor, cfg config.REPLConfig, log *logging.Logger) int {
	fmt.Printf("interpose %s (%s)  :quit to exit\n", version, lua.LuaVersion)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	histPath := historyPath(cfg.HistoryFile)
	if histPath != "" {
		loadHistory(ln, histPath, cfg.HistoryLimit)
		defer saveHistory(ln, histPath, log)
	}

	prompt := cfg.Prompt
	for ctx.Err() == nil {
		code, ok := readChunk(ln, prompt)
		if !ok {
			fmt.Println()
			break
		}

		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, ":") {
			if command(ctx, exec, trimmed, os.Stdout) {
				return 0
			}
			continue
		}
		ln.AppendHistory(strings.ReplaceAll(code, "\n", " "))

		var results []lua.LValue
		err := exec.Execute(ctx, func(ctx context.Context, s *vm.State) error {
			var err error
			results, err = s.EvalContext(ctx, code, replChunkName)
			return err
		})
		if err != nil {
			report(log, err)
			continue
		}
		if len(results) > 0 {
			fmt.Println(formatResults(results))
		}
	}
	return 0
}

// command runs a REPL command line and reports whether to quit.
//
//	:quit            leave the prompt
//	:reset           drop user globals, keeping granted libraries and host functions
//	:caps            list granted capabilities
//	:grant <cap>     grant a capability
//	:revoke <cap>    revoke a capability; already installed globals stay
func command(ctx context.Context, exec *vm.Executor, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch name {
	case ":quit", ":q":
		return true
	case ":reset":
		err = exec.Execute(ctx, func(_ context.Context, s *vm.State) error {
			return s.Reset()
		})
	case ":caps":
		err = exec.Execute(ctx, func(_ context.Context, s *vm.State) error {
			for _, c := range s.Sandbox().Capabilities() {
				fmt.Fprintln(out, c)
			}
			return nil
		})
	case ":grant", ":revoke":
		if len(args) != 1 {
			fmt.Fprintf(out, "usage: %s <capability>\n", name)
			return false
		}
		c, perr := vm.ParseCapability(args[0])
		if perr != nil {
			fmt.Fprintln(out, perr)
			return false
		}
		err = exec.Execute(ctx, func(_ context.Context, s *vm.State) error {
			if name == ":revoke" {
				s.Sandbox().Revoke(c)
				return nil
			}
			s.Sandbox().Grant(c)
			if c == vm.CapabilityInterpose && s.GetGlobal(luaapi.ModuleName) == lua.LNil {
				_, err := luaapi.Open(s)
				return err
			}
			return nil
		})
	default:
		fmt.Fprintln(out, "unknown command. Commands: :quit :reset :caps :grant :revoke")
		return false
	}
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return false
}

// readChunk reads lines until they form a complete chunk. The second
// result is false at end of input.
func readChunk(ln *liner.State, prompt string) (string, bool) {
	var b strings.Builder
	for {
		p := prompt
		if b.Len() > 0 {
			p = continuationPrompt
		}
		line, err := ln.Prompt(p)
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if errors.Is(err, liner.ErrPromptAborted) {
			// Ctrl-C drops the pending chunk.
			return "", true
		}
		if err != nil {
			return "", false
		}

		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if !incomplete(b.String()) {
			return b.String(), true
		}
	}
}

// incomplete reports whether src only fails to parse because it ends early.
func incomplete(src string) bool {
	if _, err := parse.Parse(strings.NewReader("return "+src), "repl"); err == nil {
		return false
	}
	_, err := parse.Parse(strings.NewReader(src), "repl")
	return err != nil && strings.Contains(err.Error(), "at EOF")
}

func formatResults(values []lua.LValue) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if s, ok := v.(lua.LString); ok {
			parts[i] = fmt.Sprintf("%q", string(s))
			continue
		}
		parts[i] = v.String()
	}
	return strings.Join(parts, "\t")
}

func historyPath(configured string) string {
	if configured != "" {
		return configured
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultHistoryFile)
}

// loadHistory reads at most limit entries from the end of the file.
func loadHistory(ln *liner.State, path string, limit int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	_, _ = ln.ReadHistory(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func saveHistory(ln *liner.State, path string, log *logging.Logger) {
	f, err := os.Create(path)
	if err != nil {
		log.WithError(err).Warn("could not save history")
		return
	}
	defer f.Close()
	if _, err := ln.WriteHistory(f); err != nil {
		log.WithError(err).Warn("could not save history")
	}
}
