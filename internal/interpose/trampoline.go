package interpose

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Wrap returns a native wrapper that forwards every call to original.
//
// Wrapping a wrapper returns it unchanged, and wrapping the same original twice
// returns the same wrapper while it is alive. The original is kept alive for
// as long as the wrapper forwards to it.
func (e *Engine) Wrap(original *lua.LFunction) (*lua.LFunction, error) {
	if err := e.checkOpen("wrap"); err != nil {
		return nil, err
	}
	if original == nil {
		return nil, argumentError("wrap", "expected a function")
	}
	if e.Classify(original) == GeneratedWrapper {
		return original, nil
	}
	if w, ok := e.reg.Canonical(original); ok {
		return w, nil
	}

	w := e.L.NewFunction(dispatch)
	w.Env = original.Env
	e.reg.setState(w, regState{
		handler:   forwarding,
		original:  original,
		canonical: true,
		owned:     true,
	})
	e.log.Debug("wrapped %p (%s) as %p", original, e.Classify(original), w)
	return w, nil
}

// synthesizeForwardingProgram loads "return <binding>(...)" with an
// environment whose only own entry is binding -> captured and whose other
// names resolve through the globals table.
func (e *Engine) synthesizeForwardingProgram(captured *lua.LFunction, binding string) (*lua.LFunction, error) {
	proto, err := e.forwardingProto(binding)
	if err != nil {
		return nil, err
	}

	if e.fwdMeta == nil {
		e.fwdMeta = e.L.NewTable()
		e.fwdMeta.RawSetString("__index", e.L.Get(lua.GlobalsIndex))
	}
	env := e.L.NewTable()
	env.RawSetString(binding, captured)
	e.L.SetMetatable(env, e.fwdMeta)

	fn := e.L.NewFunctionFromProto(proto)
	fn.Env = env
	return fn, nil
}

// forwardingProto compiles the forwarding program once per binding name.
func (e *Engine) forwardingProto(binding string) (*lua.FunctionProto, error) {
	if p, ok := e.programs[binding]; ok {
		return p, nil
	}
	src := "return " + binding + "(...)"
	chunk, err := parse.Parse(strings.NewReader(src), e.chunkName)
	if err != nil {
		return nil, &Error{Kind: KindCompile, Op: "hook", Message: "forwarding program for " + binding, Err: err}
	}
	proto, err := lua.Compile(chunk, e.chunkName)
	if err != nil {
		return nil, &Error{Kind: KindCompile, Op: "hook", Message: "forwarding program for " + binding, Err: err}
	}
	e.programs[binding] = proto
	return proto, nil
}

// isForwardingEnv reports whether env is the private environment of a
// forwarding program.
func (e *Engine) isForwardingEnv(env *lua.LTable) bool {
	return env != nil && e.fwdMeta != nil && env.Metatable == e.fwdMeta
}
