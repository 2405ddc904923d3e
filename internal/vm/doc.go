// Package vm hosts a sandboxed gopher-lua state with an interposition engine
// attached.
//
// # State
//
// The State type owns one Lua runtime and its engine:
//
//	state, err := vm.NewState(
//	    vm.WithExecutionTimeout(5 * time.Second),
//	    vm.WithCapabilities(vm.CapabilityInterpose),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer state.Close()
//
//	if err := state.DoFile("script.lua"); err != nil {
//	    log.Fatal(err)
//	}
//
// Script errors are returned as *interpose.ScriptError so callers can
// inspect the location and traceback without parsing text.
//
// # Sandbox
//
// The Sandbox removes file and string loaders, restricts require to
// whitelisted modules, and gates the rest behind capabilities:
//   - CapabilityInterpose: the interpose library
//   - CapabilityAliases: legacy global names for the interpose library
//   - CapabilityLoad: loadstring/load for source text
//   - CapabilityUnsafe: io, os and debug
//
// # Executor
//
// gopher-lua states are not goroutine-safe. An Executor runs submitted work
// on the goroutine that owns the state:
//
//	exec := vm.NewExecutor(state, 16)
//	go exec.Run(ctx)
//	defer exec.Close()
//
//	err := exec.Execute(ctx, func(ctx context.Context, s *vm.State) error {
//	    return s.DoStringContext(ctx, code)
//	})
//
// # Bridge
//
// The Bridge converts between Go and Lua values, including structs (by json
// tag) so engine reports can be handed to scripts as tables.
package vm
