package interpose

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Transition is a (target variant, replacement variant) pair.
type Transition struct {
	Target      Variant
	Replacement Variant
}

func (t Transition) String() string {
	return t.Target.String() + "->" + t.Replacement.String()
}

// ParseTransition parses "target->replacement", e.g. "interpreted->host".
func ParseTransition(s string) (Transition, error) {
	from, to, ok := strings.Cut(s, "->")
	if !ok {
		return Transition{}, fmt.Errorf("transition %q: want target->replacement", s)
	}
	t, err := ParseVariant(from)
	if err != nil {
		return Transition{}, fmt.Errorf("transition %q: %w", s, err)
	}
	r, err := ParseVariant(to)
	if err != nil {
		return Transition{}, fmt.Errorf("transition %q: %w", s, err)
	}
	return Transition{Target: t, Replacement: r}, nil
}

// strategy validates a hook and returns the mutation to apply. prepare must
// not touch the target or the registries.
type strategy struct {
	name    string
	prepare func(e *Engine, target, replacement *lua.LFunction) (func(), error)
}

var (
	nativeSplice = strategy{
		name: "native splice",
		prepare: func(e *Engine, target, replacement *lua.LFunction) (func(), error) {
			if err := checkSlots(target, replacement); err != nil {
				return nil, err
			}
			return func() {
				st := e.reg.stateOf(replacement)
				st.canonical = false
				target.GFunction = replacement.GFunction
				target.Env = replacement.Env
				target.Upvalues = spliceUpvalues(len(target.Upvalues), replacement.Upvalues)
				e.reg.setState(target, st)
			}, nil
		},
	}

	nativeConsumesInterpreted = strategy{
		name: "native consumes interpreted",
		prepare: func(e *Engine, target, replacement *lua.LFunction) (func(), error) {
			return func() {
				target.GFunction = dispatch
				e.reg.setState(target, regState{handler: forwarding, original: replacement, owned: true})
			}, nil
		},
	}

	interpretedConsumesNative = strategy{
		name: "interpreted consumes native",
		prepare: func(e *Engine, target, replacement *lua.LFunction) (func(), error) {
			if err := checkSlots(target, replacement); err != nil {
				return nil, err
			}
			thunk, err := e.synthesizeForwardingProgram(replacement, e.bindingName)
			if err != nil {
				return nil, err
			}
			return func() {
				target.Proto = thunk.Proto
				target.Env = thunk.Env
				target.Upvalues = spliceUpvalues(len(target.Upvalues), thunk.Upvalues)
			}, nil
		},
	}

	interpretedSplice = strategy{
		name: "interpreted splice",
		prepare: func(e *Engine, target, replacement *lua.LFunction) (func(), error) {
			if err := checkSlots(target, replacement); err != nil {
				return nil, err
			}
			env := e.spliceEnv(target, replacement)
			return func() {
				target.Proto = replacement.Proto
				target.Env = env
				target.Upvalues = spliceUpvalues(len(target.Upvalues), replacement.Upvalues)
			}, nil
		},
	}
)

// spliceEnv picks the environment an interpreted splice runs under. The
// target keeps its own unless that is a forwarding program's private table
// left by an earlier hook; a forwarding program keeps the table it resolves
// its binding through.
func (e *Engine) spliceEnv(target, replacement *lua.LFunction) *lua.LTable {
	switch {
	case e.isForwardingEnv(replacement.Env):
		return replacement.Env
	case !e.isForwardingEnv(target.Env):
		return target.Env
	}
	if snap, ok := e.restores.Peek(target); ok && !e.isForwardingEnv(snap.fn.Env) {
		return snap.fn.Env
	}
	return replacement.Env
}

func pickStrategy(target, replacement Variant) strategy {
	switch {
	case target.Native() && replacement.Native():
		return nativeSplice
	case target.Native():
		return nativeConsumesInterpreted
	case replacement.Native():
		return interpretedConsumesNative
	default:
		return interpretedSplice
	}
}

func (e *Engine) buildStrategies() {
	e.strategies = make(map[Transition]strategy, len(Variants)*len(Variants))
	for _, t := range Variants {
		for _, r := range Variants {
			tr := Transition{Target: t, Replacement: r}
			if e.disabled[tr] {
				continue
			}
			e.strategies[tr] = pickStrategy(t, r)
		}
	}
}

// Transitions lists the enabled cells of the transition table.
func (e *Engine) Transitions() []Transition {
	out := make([]Transition, 0, len(e.strategies))
	for _, t := range Variants {
		for _, r := range Variants {
			tr := Transition{Target: t, Replacement: r}
			if _, ok := e.strategies[tr]; ok {
				out = append(out, tr)
			}
		}
	}
	return out
}

func checkSlots(target, replacement *lua.LFunction) error {
	if len(target.Upvalues) < len(replacement.Upvalues) {
		return argumentError("hook", "replacement captures %d upvalues but target has only %d slots",
			len(replacement.Upvalues), len(target.Upvalues))
	}
	return nil
}

// spliceUpvalues returns n fresh nil cells overwritten 1:1 by src.
func spliceUpvalues(n int, src []*lua.Upvalue) []*lua.Upvalue {
	out := make([]*lua.Upvalue, n)
	for i := range out {
		if i < len(src) && src[i] != nil {
			out[i] = src[i]
			continue
		}
		out[i] = nilUpvalue()
	}
	return out
}

func nilUpvalue() *lua.Upvalue {
	uv := &lua.Upvalue{}
	uv.SetValue(lua.LNil)
	return uv
}

// Hook makes target behave like replacement while target keeps its identity.
// It returns an independent callable that behaves like target did just before
// this call. Restore goes back to the state saved by the first hook.
func (e *Engine) Hook(target, replacement *lua.LFunction) (*lua.LFunction, error) {
	if err := e.checkOpen("hook"); err != nil {
		return nil, err
	}
	if target == nil || replacement == nil {
		return nil, argumentError("hook", "target and replacement must be functions")
	}
	if target == replacement {
		return nil, argumentError("hook", "cannot hook a function with itself")
	}

	tr := Transition{Target: e.Classify(target), Replacement: e.Classify(replacement)}
	st, ok := e.strategies[tr]
	if !ok {
		return nil, &Error{Kind: KindUnsupportedTransition, Op: "hook", Message: tr.String()}
	}
	if e.forwardsTo(replacement, target) {
		return nil, argumentError("hook", "replacement forwards back to target")
	}

	apply, err := st.prepare(e, target, replacement)
	if err != nil {
		return nil, err
	}

	pre := e.capture(target)
	apply()
	if e.restores.Save(target, pre) {
		e.log.WithField("transition", tr.String()).Debug("saved restore point for %p", target)
	}

	e.log.WithFields(map[string]any{
		"transition": tr.String(),
		"strategy":   st.name,
	}).Debug("hooked %p", target)
	return e.materialize(pre), nil
}

// forwardsTo reports whether calling from would end up running to through
// stub forwarding.
func (e *Engine) forwardsTo(from, to *lua.LFunction) bool {
	for range e.maxDepth + 1 {
		if from == nil {
			return false
		}
		if from == to {
			return true
		}
		if !from.IsG || !isDispatchStub(from.GFunction) {
			return false
		}
		h, ok := e.reg.LookupHandler(from)
		if !ok {
			return false
		}
		if !h.Forwarding() {
			from = h.fn
			continue
		}
		from, _ = e.reg.LookupOriginal(from)
	}
	return false
}
