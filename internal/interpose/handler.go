package interpose

import (
	lua "github.com/yuin/gopher-lua"
)

// Handler is the behavior behind an engine stub.
type Handler struct {
	name string
	fn   *lua.LFunction
}

// forwarding is the transparent-forwarding handler. A stub using it calls the
// original registered for that stub in the wrapper map.
var forwarding = &Handler{name: "forward"}

// Forwarding reports whether h is the transparent-forwarding handler.
func (h *Handler) Forwarding() bool { return h == forwarding }

// Name returns the handler's diagnostic name.
func (h *Handler) Name() string { return h.name }

// Callable returns the callable the handler runs, or nil for the forwarding
// handler.
func (h *Handler) Callable() *lua.LFunction { return h.fn }

// NewFunction creates an engine stub whose behavior is fn. The stub is
// classified as InterpositionStub and is owned by the engine, so errors raised
// by fn are normalized and fn may suspend with Suspend.
//
// fn must not yield by returning -1; use Suspend instead.
func (e *Engine) NewFunction(name string, fn lua.LGFunction) *lua.LFunction {
	h := &Handler{name: name, fn: e.L.NewFunction(fn)}
	stub := e.L.NewFunction(dispatch)
	e.reg.RegisterHandler(stub, h)
	return stub
}
