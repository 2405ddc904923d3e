package interpose

import (
	"fmt"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/interpose/internal/logging"
)

const (
	// DefaultChunkName names synthesized forwarding programs in tracebacks.
	DefaultChunkName = "=interpose"
	// DefaultBindingName is the environment slot a forwarding program calls.
	DefaultBindingName = "__interpose_target"
	// DefaultMaxForwardDepth bounds wrapper-of-wrapper chains.
	DefaultMaxForwardDepth = 16

	registryKey = "interpose.engine"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithChunkName sets the chunk name of synthesized forwarding programs.
func WithChunkName(name string) Option {
	return func(e *Engine) {
		e.chunkName = name
	}
}

// WithBindingName sets the environment slot forwarding programs call through.
func WithBindingName(name string) Option {
	return func(e *Engine) {
		e.bindingName = name
	}
}

// WithMaxForwardDepth bounds how many wrappers dispatch follows.
func WithMaxForwardDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithDisabledTransitions removes cells from the transition table. Hooks that
// need them fail with an unsupported-transition error.
func WithDisabledTransitions(ts ...Transition) Option {
	return func(e *Engine) {
		for _, t := range ts {
			e.disabled[t] = true
		}
	}
}

// WithoutYieldInterception leaves coroutine.yield alone. Handlers must then
// suspend with Suspend or by raising YieldAcrossBoundary.
func WithoutYieldInterception() Option {
	return func(e *Engine) {
		e.interceptYield = false
	}
}

// Engine is the interposition engine of one Lua state. It is not safe for
// concurrent use; call it from the goroutine that runs the state.
type Engine struct {
	id  uuid.UUID
	L   *lua.LState
	log *logging.Logger

	chunkName      string
	bindingName    string
	maxDepth       int
	disabled       map[Transition]bool
	interceptYield bool

	ids      *identities
	anchors  *AnchorSet
	reg      *Registry
	restores *RestoreRegistry

	strategies map[Transition]strategy
	programs   map[string]*lua.FunctionProto
	fwdMeta    *lua.LTable // metatable shared by forwarding program environments
	depth      map[*lua.LState]int
	yieldFn    *lua.LFunction
	closed     bool
}

// New attaches a new engine to L. A state carries at most one engine;
// coroutines created from L share it.
func New(L *lua.LState, opts ...Option) (*Engine, error) {
	if L == nil {
		return nil, argumentError("attach", "nil state")
	}
	if From(L) != nil {
		return nil, ErrAlreadyAttached
	}

	e := &Engine{
		id:             uuid.New(),
		L:              L,
		log:            logging.NullLogger,
		chunkName:      DefaultChunkName,
		bindingName:    DefaultBindingName,
		maxDepth:       DefaultMaxForwardDepth,
		disabled:       make(map[Transition]bool),
		interceptYield: true,
		ids:            newIdentities(),
		anchors:        NewAnchorSet(),
		programs:       make(map[string]*lua.FunctionProto),
		depth:          make(map[*lua.LState]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithComponent("interpose").WithField("engine", e.id.String())
	e.reg = newRegistry(e.ids, e.anchors)
	e.restores = newRestoreRegistry(e.ids, e.anchors)
	e.buildStrategies()

	ud := L.NewUserData()
	ud.Value = e
	L.G.Registry.RawSetString(registryKey, ud)

	if e.interceptYield {
		if err := e.installYieldInterceptor(); err != nil {
			L.G.Registry.RawSetString(registryKey, lua.LNil)
			return nil, err
		}
	}

	e.log.Debug("engine attached (%d transitions enabled)", len(e.strategies))
	return e, nil
}

// From returns the engine attached to L's global state, or nil.
func From(L *lua.LState) *Engine {
	ud, ok := L.G.Registry.RawGetString(registryKey).(*lua.LUserData)
	if !ok {
		return nil
	}
	e, _ := ud.Value.(*Engine)
	return e
}

// ID returns the engine instance id.
func (e *Engine) ID() uuid.UUID { return e.id }

// Registry exposes the interposition registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Anchors returns the number of values the engine keeps alive.
func (e *Engine) Anchors() int { return e.anchors.Len() }

// Close restores coroutine.yield, drops every registry entry and detaches the
// engine from its state. Hooked callables keep their current behavior.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	var err error
	if e.yieldFn != nil {
		err = e.Restore(e.yieldFn)
		e.yieldFn = nil
	}
	e.reg.clear()
	e.restores.clear()
	e.anchors.Clear()
	e.closed = true
	if From(e.L) == e {
		e.L.G.Registry.RawSetString(registryKey, lua.LNil)
	}
	e.log.Debug("engine closed")
	return err
}

// purge drops entries whose callables have been collected.
func (e *Engine) purge() {
	for _, k := range e.ids.drain() {
		e.reg.forgetKey(k)
		e.restores.forgetKey(k)
	}
}

func (e *Engine) checkOpen(op string) error {
	if e.closed {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	e.purge()
	return nil
}

// IsWrapped reports whether fn forwards to an original through the wrapper
// map.
func (e *Engine) IsWrapped(fn *lua.LFunction) bool {
	if fn == nil {
		return false
	}
	_, ok := e.reg.LookupOriginal(fn)
	return ok
}

// IsOwned reports whether fn was created or taken over by the engine.
func (e *Engine) IsOwned(fn *lua.LFunction) bool {
	if fn == nil {
		return false
	}
	return e.reg.IsOwned(fn)
}

// MarkOwned records fn as engine-owned.
func (e *Engine) MarkOwned(fn *lua.LFunction) {
	if fn != nil {
		e.reg.MarkOwned(fn)
	}
}

// IsHooked reports whether fn has a saved pre-hook snapshot.
func (e *Engine) IsHooked(fn *lua.LFunction) bool {
	if fn == nil {
		return false
	}
	return e.restores.Has(fn)
}
