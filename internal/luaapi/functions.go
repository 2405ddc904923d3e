package luaapi

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/interpose/internal/interpose"
)

// raise reports an engine error to the script.
func raise(L *lua.LState, err error) int {
	L.RaiseError("%s", err.Error())
	return 0
}

// optFunction returns argument n when it is a function.
func optFunction(L *lua.LState, n int) (*lua.LFunction, bool) {
	fn, ok := L.Get(n).(*lua.LFunction)
	return fn, ok
}

// classify(f) -> "native" | "interpreted" | "stub" | "wrapper" | "host"
func (m *Module) classify(L *lua.LState) int {
	fn := L.CheckFunction(1)
	L.Push(lua.LString(m.engine.Classify(fn).String()))
	return 1
}

// wrap(f) -> native wrapper forwarding to f
func (m *Module) wrap(L *lua.LState) int {
	fn := L.CheckFunction(1)
	w, err := m.engine.Wrap(fn)
	if err != nil {
		return raise(L, err)
	}
	L.Push(w)
	return 1
}

// hook(target, replacement) -> callable behaving like target did
func (m *Module) hook(L *lua.LState) int {
	target := L.CheckFunction(1)
	replacement := L.CheckFunction(2)
	clone, err := m.engine.Hook(target, replacement)
	if err != nil {
		return raise(L, err)
	}
	L.Push(clone)
	return 1
}

// restore(f)
func (m *Module) restore(L *lua.LState) int {
	fn := L.CheckFunction(1)
	if err := m.engine.Restore(fn); err != nil {
		return raise(L, err)
	}
	return 0
}

// clone(f) -> independent callable with f's current behavior
func (m *Module) clone(L *lua.LState) int {
	fn := L.CheckFunction(1)
	c, err := m.engine.Clone(fn)
	if err != nil {
		return raise(L, err)
	}
	L.Push(c)
	return 1
}

// isWrapped(v) -> bool; false for non-functions
func (m *Module) isWrapped(L *lua.LState) int {
	fn, ok := optFunction(L, 1)
	L.Push(lua.LBool(ok && m.engine.IsWrapped(fn)))
	return 1
}

// isOwned(v) -> bool
// Interpreted functions count when they were defined by a script (not a
// main chunk); native functions count when the engine created them.
func (m *Module) isOwned(L *lua.LState) int {
	fn, ok := optFunction(L, 1)
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	if !fn.IsG {
		L.Push(lua.LBool(fn.Proto != nil && fn.Proto.LineDefined != 0))
		return 1
	}
	L.Push(lua.LBool(m.engine.IsOwned(fn)))
	return 1
}

// isHooked(v) -> bool
func (m *Module) isHooked(L *lua.LState) int {
	fn, ok := optFunction(L, 1)
	L.Push(lua.LBool(ok && m.engine.IsHooked(fn)))
	return 1
}

// isNative(f) -> bool
func (m *Module) isNative(L *lua.LState) int {
	L.Push(lua.LBool(L.CheckFunction(1).IsG))
	return 1
}

// isInterpreted(f) -> bool
func (m *Module) isInterpreted(L *lua.LState) int {
	L.Push(lua.LBool(!L.CheckFunction(1).IsG))
	return 1
}

// inspect(f) -> table
func (m *Module) inspect(L *lua.LState) int {
	fn := L.CheckFunction(1)
	L.Push(m.bridge.ToLuaValue(m.engine.Describe(fn)))
	return 1
}

// stats() -> table
func (m *Module) stats(L *lua.LState) int {
	L.Push(m.bridge.ToLuaValue(m.engine.Stats()))
	return 1
}

// hookMetamethod(obj, event, f) -> callable behaving like the old metamethod
func (m *Module) hookMetamethod(L *lua.LState) int {
	obj := L.CheckAny(1)
	event := L.CheckString(2)
	replacement := L.CheckFunction(3)

	mt, ok := L.GetMetatable(obj).(*lua.LTable)
	if !ok {
		L.ArgError(1, "object has no metatable")
		return 0
	}
	old := mt.RawGetString(event)
	if old == lua.LNil {
		L.ArgError(2, "'"+event+"' is not a valid member of the given object's metatable.")
		return 0
	}
	target, ok := old.(*lua.LFunction)
	if !ok {
		L.ArgError(2, "metamethod is not a function")
		return 0
	}

	clone, err := m.engine.Hook(target, replacement)
	if err != nil {
		return raise(L, err)
	}
	L.Push(clone)
	return 1
}

// suspend(...) yields the innermost coroutine from inside a hook handler;
// values passed to resume become the hooked call's results.
func (m *Module) suspend(L *lua.LState) int {
	values := make([]lua.LValue, L.GetTop())
	for i := range values {
		values[i] = L.Get(i + 1)
	}
	interpose.Suspend(L, values...)
	return 0
}
