package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/interpose/internal/logging"
	"github.com/dshills/interpose/internal/vm"
)

// registerHostFuncs installs the functions the runner offers every script.
// They are engine stubs, so scripts may hook them.
func registerHostFuncs(state *vm.State, log *logging.Logger) {
	scriptLog := log.WithComponent("script")

	// log(level, ...) writes the remaining arguments through the process logger.
	state.RegisterHostFunc("log", func(args []any) ([]any, error) {
		if len(args) == 0 {
			return nil, errors.New("log: missing level")
		}
		level, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("log: level must be a string, got %T", args[0])
		}
		parts := make([]string, 0, len(args)-1)
		for _, a := range args[1:] {
			parts = append(parts, fmt.Sprint(a))
		}
		msg := strings.Join(parts, " ")

		switch logging.ParseLogLevel(level) {
		case logging.LogLevelDebug:
			scriptLog.Debug("%s", msg)
		case logging.LogLevelWarn:
			scriptLog.Warn("%s", msg)
		case logging.LogLevelError:
			scriptLog.Error("%s", msg)
		default:
			scriptLog.Info("%s", msg)
		}
		return nil, nil
	})
}
