// Package interpose lets one Lua callable take over another callable's
// behavior while the second keeps its identity, so every existing holder of a
// reference to it is redirected without noticing.
//
// An Engine is attached to exactly one gopher-lua state:
//
//	engine, err := interpose.New(L)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	original, err := engine.Hook(target, replacement)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// target now behaves like replacement; original behaves like target did.
//	if err := engine.Restore(target); err != nil {
//	    log.Fatal(err)
//	}
//
// # Variants
//
// Every callable is classified into one of:
//   - InterpretedBytecode: a Lua closure backed by a compiled prototype
//   - HostOwned: a Go function created by the host application
//   - InterpositionStub: a Go function whose entry point is the engine's
//     dispatch stub and whose behavior is a registered handler
//   - GeneratedWrapper: a stub created by Wrap that forwards to one original
//
// HostNative names the native family (everything but InterpretedBytecode).
//
// # Transitions
//
// Hook picks a strategy from a table keyed by the (target, replacement)
// variant pair:
//
//	target \ replacement   native family              interpreted
//	native family          native splice              native consumes interpreted
//	interpreted            interpreted consumes native interpreted splice
//
// Every strategy validates before it mutates; a failed Hook leaves the target
// and the registries exactly as they were.
//
// # Dispatch
//
// All engine stubs share one Go entry point. It finds the running stub,
// resolves its handler and calls it in protected mode. Errors are rewritten so
// they look like they came from the original callable, and a suspension
// requested inside the handler suspends the stub itself.
//
// gopher-lua cannot yield from inside a Go call frame, so a suspension does
// not pause the handler. The handler is unwound, the outermost stub on the
// coroutine yields the suspension values, and the values later passed to
// resume become the results of the hooked call. Handler code after the
// suspension point never runs. A handler that needs to continue after
// resuming must do that work in the caller, or return a value the caller
// waits on.
package interpose
