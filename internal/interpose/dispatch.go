package interpose

import (
	"fmt"
	"reflect"

	lua "github.com/yuin/gopher-lua"
)

// dispatchEntry is the code address of dispatch. Every engine stub carries
// dispatch as its GFunction; Classify compares against this address.
var dispatchEntry uintptr

func init() {
	dispatchEntry = reflect.ValueOf(lua.LGFunction(dispatch)).Pointer()
}

func isDispatchStub(fn lua.LGFunction) bool {
	return fn != nil && reflect.ValueOf(fn).Pointer() == dispatchEntry
}

// dispatch is the single native entry point shared by all engine stubs.
func dispatch(L *lua.LState) int {
	e := From(L)
	if e == nil {
		L.RaiseError("interpose: no engine attached to this state")
		return 0
	}
	self := currentFunction(L)
	if self == nil {
		L.RaiseError("interpose: dispatch called without a frame")
		return 0
	}
	callee, err := e.resolveCallee(self)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	return e.invoke(L, callee)
}

// currentFunction returns the callable whose frame is executing.
func currentFunction(L *lua.LState) *lua.LFunction {
	dbg, ok := L.GetStack(0)
	if !ok {
		return nil
	}
	fn, err := L.GetInfo("f", dbg, lua.LNil)
	if err != nil {
		return nil
	}
	f, _ := fn.(*lua.LFunction)
	return f
}

// resolveCallee finds what a stub should run, following forwarding wrappers
// whose originals are themselves stubs.
func (e *Engine) resolveCallee(self *lua.LFunction) (*lua.LFunction, error) {
	fn := self
	for range e.maxDepth {
		h, ok := e.reg.LookupHandler(fn)
		if !ok {
			return nil, fmt.Errorf("interpose: no handler registered for %p", fn)
		}
		if !h.Forwarding() {
			return h.fn, nil
		}
		orig, ok := e.reg.LookupOriginal(fn)
		if !ok {
			return nil, fmt.Errorf("interpose: wrapper %p has no original", fn)
		}
		if !orig.IsG || !isDispatchStub(orig.GFunction) {
			return orig, nil
		}
		fn = orig
	}
	return nil, fmt.Errorf("interpose: forwarding chain deeper than %d", e.maxDepth)
}

// invoke calls callee with the stub's arguments in protected mode.
func (e *Engine) invoke(L *lua.LState, callee *lua.LFunction) int {
	nargs := L.GetTop()
	args := make([]lua.LValue, nargs)
	for i := range nargs {
		args[i] = L.Get(i + 1)
	}
	L.SetTop(0)
	L.Push(callee)
	for _, a := range args {
		L.Push(a)
	}

	e.depth[L]++
	err := L.PCall(nargs, lua.MultRet, nil)
	if e.depth[L]--; e.depth[L] <= 0 {
		delete(e.depth, L)
	}
	if err == nil {
		return L.GetTop()
	}

	if s, ok := asSuspension(err); ok {
		return e.suspend(L, s.Values)
	}

	se := NewScriptError(err)
	if se.Object != nil {
		L.Error(se.Object, 0)
		return 0
	}
	if se.Message == YieldAcrossBoundary {
		return e.suspend(L, nil)
	}
	L.Error(lua.LString(se.Message), 0)
	return 0
}

// suspend yields the stub's own frame. Values passed to resume become the
// stub's results. A stub nested under another handler on the same thread
// passes the signal outward, since only the outermost stub frame can yield.
func (e *Engine) suspend(L *lua.LState, values []lua.LValue) int {
	if e.depth[L] > 0 {
		Suspend(L, values...)
		return 0
	}
	if L.Parent == nil {
		L.RaiseError("attempt to yield from outside a coroutine")
		return 0
	}
	return L.Yield(values...)
}

// handlerDepth reports how many stub handlers are running on L.
func (e *Engine) handlerDepth(L *lua.LState) int {
	return e.depth[L]
}
