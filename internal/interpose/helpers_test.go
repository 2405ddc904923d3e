package interpose

import (
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func newTestEngine(t *testing.T, opts ...Option) (*lua.LState, *Engine) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	e, err := New(L, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return L, e
}

func mustDo(t *testing.T, L *lua.LState, code string) {
	t.Helper()
	if err := L.DoString(code); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
}

// mustLoad runs code compiled under the given chunk name.
func mustLoad(t *testing.T, L *lua.LState, name, code string) {
	t.Helper()
	fn, err := L.Load(strings.NewReader(code), name)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		t.Fatalf("PCall() error = %v", err)
	}
}

func global(t *testing.T, L *lua.LState, name string) *lua.LFunction {
	t.Helper()
	fn, ok := L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		t.Fatalf("global %q is %s, want function", name, L.GetGlobal(name).Type())
	}
	return fn
}

// call invokes fn in protected mode and returns its first result.
func call(t *testing.T, L *lua.LState, fn *lua.LFunction, args ...lua.LValue) lua.LValue {
	t.Helper()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		t.Fatalf("call error = %v", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret
}

func callErr(L *lua.LState, fn *lua.LFunction, args ...lua.LValue) error {
	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

// constFunc returns a host function that always returns s.
func constFunc(L *lua.LState, s string) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(s))
		return 1
	})
}

func constHandler(s string) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LString(s))
		return 1
	}
}
