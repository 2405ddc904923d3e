package interpose

import (
	"slices"

	lua "github.com/yuin/gopher-lua"
)

// snapshot is a detached copy of a callable's representation plus its
// registry entries at the time of capture.
type snapshot struct {
	fn    *lua.LFunction
	state regState
}

func (e *Engine) capture(fn *lua.LFunction) *snapshot {
	return &snapshot{
		fn: &lua.LFunction{
			IsG:       fn.IsG,
			Env:       fn.Env,
			Proto:     fn.Proto,
			GFunction: fn.GFunction,
			Upvalues:  slices.Clone(fn.Upvalues),
		},
		state: e.reg.stateOf(fn),
	}
}

// applyTo writes the captured representation back into target.
func (s *snapshot) applyTo(target *lua.LFunction) {
	target.IsG = s.fn.IsG
	target.Env = s.fn.Env
	target.Proto = s.fn.Proto
	target.GFunction = s.fn.GFunction
	target.Upvalues = slices.Clone(s.fn.Upvalues)
}

// materialize returns a new callable with the captured representation. Its
// registry entries are copies of the captured ones, so a stub clone still
// dispatches to the same handler.
func (e *Engine) materialize(s *snapshot) *lua.LFunction {
	fn := &lua.LFunction{}
	s.applyTo(fn)
	st := s.state
	st.canonical = false
	if !st.empty() {
		e.reg.setState(fn, st)
	}
	return fn
}

// Clone returns an independent callable with fn's current behavior. Upvalue
// cells are shared with fn.
func (e *Engine) Clone(fn *lua.LFunction) (*lua.LFunction, error) {
	if err := e.checkOpen("clone"); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, argumentError("clone", "expected a function")
	}
	return e.materialize(e.capture(fn)), nil
}
