package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/interpose/internal/interpose"
	"github.com/dshills/interpose/internal/logging"
)

// DefaultExecutionTimeout bounds a single DoString/DoFile/Call.
// Zero disables the deadline.
const DefaultExecutionTimeout = 30 * time.Second

// State is a sandboxed Lua runtime with an interposition engine attached.
//
// gopher-lua's LState is not goroutine-safe. The mutex protects against
// concurrent access from Go code; use an Executor to funnel work from many
// goroutines onto one.
type State struct {
	L *lua.LState

	mu sync.Mutex

	executionTimeout time.Duration
	engineOpts       []interpose.Option
	capabilities     []Capability
	log              *logging.Logger

	sandbox *Sandbox
	engine  *interpose.Engine
	bridge  *Bridge

	closed bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithExecutionTimeout sets the deadline applied to each execution.
// The deadline is enforced by the VM between instructions.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.executionTimeout = d
	}
}

// WithLogger sets the logger used by the state and its engine.
func WithLogger(l *logging.Logger) StateOption {
	return func(s *State) {
		if l != nil {
			s.log = l
		}
	}
}

// WithEngineOptions passes options through to interpose.New.
func WithEngineOptions(opts ...interpose.Option) StateOption {
	return func(s *State) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// WithCapabilities grants capabilities once the sandbox is installed.
func WithCapabilities(caps ...Capability) StateOption {
	return func(s *State) {
		s.capabilities = append(s.capabilities, caps...)
	}
}

// NewState creates a sandboxed Lua state and attaches an engine to it.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{
		executionTimeout: DefaultExecutionTimeout,
		log:              logging.NullLogger,
	}
	for _, opt := range opts {
		opt(state)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	state.L = L
	openSafeLibraries(L)

	engineOpts := append([]interpose.Option{interpose.WithLogger(state.log)}, state.engineOpts...)
	engine, err := interpose.New(L, engineOpts...)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("attach engine: %w", err)
	}
	state.engine = engine
	state.bridge = NewBridge(L)

	state.sandbox = NewSandbox(L)
	state.sandbox.Install()
	for _, c := range state.capabilities {
		state.sandbox.Grant(c)
	}

	state.log.WithComponent("vm").Debug("state ready (engine %s)", engine.ID())
	return state, nil
}

// openSafeLibraries opens the libraries every script may use. io, os and
// debug wait for CapabilityUnsafe.
func openSafeLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

// DoFile executes a Lua file.
func (s *State) DoFile(path string) error {
	return s.DoFileContext(context.Background(), path)
}

// DoFileContext executes a Lua file, interrupting it when ctx is done.
func (s *State) DoFileContext(ctx context.Context, path string) error {
	return s.run(ctx, func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes a Lua chunk.
func (s *State) DoString(code string) error {
	return s.DoStringContext(context.Background(), code)
}

// DoStringContext executes a Lua chunk, interrupting it when ctx is done.
func (s *State) DoStringContext(ctx context.Context, code string) error {
	return s.run(ctx, func() error {
		return s.L.DoString(code)
	})
}

// LoadString compiles a chunk under name without running it.
func (s *State) LoadString(code, name string) (*lua.LFunction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	fn, err := s.L.Load(strings.NewReader(code), name)
	if err != nil {
		return nil, interpose.NewScriptError(err)
	}
	return fn, nil
}

// run executes fn under the state lock with the execution deadline applied.
func (s *State) run(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	ctx, release := s.bind(ctx)
	defer release()

	return s.normalize(ctx, s.doWithRecovery(fn))
}

// bind applies the execution deadline and attaches ctx to the VM. A
// context that can never be done is not attached, so the VM keeps its
// faster uninterruptible loop.
//
// Coroutines created while a context is attached inherit it: resuming one
// after its execution has returned fails with "context canceled".
func (s *State) bind(ctx context.Context) (context.Context, func()) {
	if s.executionTimeout <= 0 && ctx.Done() == nil {
		return ctx, func() {}
	}
	var cancel context.CancelFunc
	if s.executionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.executionTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	s.L.SetContext(ctx)
	return ctx, func() {
		s.L.RemoveContext()
		cancel()
	}
}

// normalize maps VM errors onto the package's error vocabulary.
func (s *State) normalize(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrExecutionTimeout, ctx.Err())
	case ctx.Err() != nil:
		return ctx.Err()
	}
	var lerr *lua.ApiError
	if errors.As(err, &lerr) {
		return interpose.NewScriptError(err)
	}
	return err
}

// doWithRecovery executes a function with panic recovery.
func (s *State) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// Call calls a global Lua function with the given arguments.
// Returns an empty slice (not nil) if the function returns no values.
func (s *State) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%q: %w (got %s)", fn, ErrNotFunction, fnVal.Type())
	}

	return s.invoke(context.Background(), fnVal, args...)
}

// EvalContext compiles code as an expression first, falling back to a
// statement chunk, and returns whatever it produces. Used by the REPL.
func (s *State) EvalContext(ctx context.Context, code, name string) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn, err := s.L.Load(strings.NewReader("return "+code), name)
	if err != nil {
		if fn, err = s.L.Load(strings.NewReader(code), name); err != nil {
			return nil, interpose.NewScriptError(err)
		}
	}
	return s.invoke(ctx, fn)
}

// invoke calls fnVal with the execution deadline applied. The caller holds
// the lock. Returns an empty slice (not nil) if nothing is returned.
func (s *State) invoke(ctx context.Context, fnVal lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	ctx, release := s.bind(ctx)
	defer release()

	stackTop := s.L.GetTop()
	s.L.Push(fnVal)
	for _, arg := range args {
		s.L.Push(arg)
	}

	err := s.doWithRecovery(func() error {
		return s.L.PCall(len(args), lua.MultRet, nil)
	})
	if err != nil {
		s.L.SetTop(stackTop)
		return nil, s.normalize(ctx, err)
	}

	nRet := s.L.GetTop() - stackTop
	results := make([]lua.LValue, 0, max(nRet, 0))
	for i := 1; i <= nRet; i++ {
		results = append(results, s.L.Get(stackTop+i))
	}
	s.L.SetTop(stackTop)
	return results, nil
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// RegisterHostFunc exposes fn as an engine-owned stub. Scripts see a native
// function that classifies as a stub and can be hooked like any other. The
// global survives Reset.
func (s *State) RegisterHostFunc(name string, fn HostFunc) *lua.LFunction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	stub := s.engine.NewFunction(name, s.bridge.WrapGoFunc(fn))
	s.sandbox.InstallGlobal(name, stub)
	return stub
}

// Engine returns the attached interposition engine.
func (s *State) Engine() *interpose.Engine { return s.engine }

// Sandbox returns the sandbox for capability management.
func (s *State) Sandbox() *Sandbox { return s.sandbox }

// Bridge returns the Go/Lua value bridge.
func (s *State) Bridge() *Bridge { return s.bridge }

// Logger returns the state's logger.
func (s *State) Logger() *logging.Logger { return s.log }

// LuaState returns the underlying gopher-lua state.
//
// WARNING: Direct access bypasses the mutex. The caller is responsible for
// thread-safety.
func (s *State) LuaState() *lua.LState { return s.L }

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close detaches the engine and releases the Lua state.
// After Close, all other methods return ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.engine.Close()
	s.L.Close()
	s.closed = true
	return err
}

// baseGlobals survive Reset.
var baseGlobals = map[string]bool{
	"_G": true, "_VERSION": true,
	"assert": true, "collectgarbage": true, "error": true, "getfenv": true,
	"getmetatable": true, "ipairs": true, "module": true, "newproxy": true,
	"next": true, "pairs": true, "pcall": true, "print": true,
	"rawequal": true, "rawget": true, "rawlen": true, "rawset": true,
	"require": true, "select": true, "setfenv": true, "setmetatable": true,
	"tonumber": true, "tostring": true, "type": true, "unpack": true,
	"xpcall": true,
	"coroutine": true, "math": true, "package": true, "string": true, "table": true,
}

// Reset removes user-defined globals. Globals installed by granted
// capabilities (the interpose library, io/os/debug, loadstring) survive.
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	keep := s.sandbox.installedGlobals()
	globals := s.L.Get(lua.GlobalsIndex).(*lua.LTable)
	var remove []string
	globals.ForEach(func(k, _ lua.LValue) {
		ks, ok := k.(lua.LString)
		if !ok {
			return
		}
		if !baseGlobals[string(ks)] && !keep[string(ks)] {
			remove = append(remove, string(ks))
		}
	})
	for _, k := range remove {
		s.L.SetGlobal(k, lua.LNil)
	}
	return nil
}
