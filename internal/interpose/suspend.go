package interpose

import (
	lua "github.com/yuin/gopher-lua"
)

// installYieldInterceptor hooks coroutine.yield so that a yield attempted by a
// handler running under a stub becomes a suspension signal. The stub then
// yields in its own frame instead of unwinding a nested protected call.
func (e *Engine) installYieldInterceptor() error {
	co, ok := e.L.GetGlobal("coroutine").(*lua.LTable)
	if !ok {
		return nil
	}
	yield, ok := co.RawGetString("yield").(*lua.LFunction)
	if !ok || !yield.IsG {
		return nil
	}

	original := yield.GFunction
	interceptor := e.L.NewFunction(func(L *lua.LState) int {
		if e.handlerDepth(L) > 0 {
			values := make([]lua.LValue, L.GetTop())
			for i := range values {
				values[i] = L.Get(i + 1)
			}
			Suspend(L, values...)
			return 0
		}
		return original(L)
	})

	if _, err := e.Hook(yield, interceptor); err != nil {
		return err
	}
	e.yieldFn = yield
	return nil
}
