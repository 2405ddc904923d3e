package interpose

import (
	"errors"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestHook_NativeScenario(t *testing.T) {
	L, e := newTestEngine(t)
	h1 := constFunc(L, "h1")
	h2 := constFunc(L, "h2")
	L.SetGlobal("h", h1)

	clone, err := e.Hook(h1, h2)
	if err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	if got := call(t, L, h1); got.String() != "h2" {
		t.Errorf("h1() after hook = %v, want h2", got)
	}
	if got := call(t, L, clone); got.String() != "h1" {
		t.Errorf("clone() = %v, want h1", got)
	}
	if L.GetGlobal("h") != h1 {
		t.Error("global reference changed identity")
	}
	mustDo(t, L, `assert(h() == "h2")`)

	if err := e.Restore(h1); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := call(t, L, h1); got.String() != "h1" {
		t.Errorf("h1() after restore = %v, want h1", got)
	}
	if got := e.Classify(h1); got != HostOwned {
		t.Errorf("Classify() after restore = %v, want host", got)
	}
}

func TestHook_StubScenario(t *testing.T) {
	L, e := newTestEngine(t)
	s1 := e.NewFunction("s1", constHandler("s1"))
	s2 := e.NewFunction("s2", constHandler("s2"))

	clone, err := e.Hook(s1, s2)
	if err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	if got := call(t, L, s1); got.String() != "s2" {
		t.Errorf("s1() after hook = %v, want s2", got)
	}
	if got := e.Classify(clone); got != InterpositionStub {
		t.Errorf("Classify(clone) = %v, want stub", got)
	}
	if got := call(t, L, clone); got.String() != "s1" {
		t.Errorf("clone() = %v, want s1", got)
	}

	if err := e.Restore(s1); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := call(t, L, s1); got.String() != "s1" {
		t.Errorf("s1() after restore = %v, want s1", got)
	}
}

func TestHook_InterpretedScenario(t *testing.T) {
	L, e := newTestEngine(t)
	mustDo(t, L, `
		local a, b, c = 1, 2, 3
		function two(x) return x + a + b end
		function three(x) return x + a + b + c end
		holder = { fn = three }
	`)
	two := global(t, L, "two")
	three := global(t, L, "three")

	if _, err := e.Hook(two, three); !errors.Is(err, ErrArgument) {
		t.Fatalf("Hook(two, three) error = %v, want ErrArgument", err)
	}
	if got := call(t, L, two, lua.LNumber(0)); got != lua.LNumber(3) {
		t.Errorf("two(0) after failed hook = %v, want 3", got)
	}
	if e.IsHooked(two) {
		t.Error("failed hook recorded a restore point")
	}

	clone, err := e.Hook(three, two)
	if err != nil {
		t.Fatalf("Hook(three, two) error = %v", err)
	}
	if got := call(t, L, three, lua.LNumber(0)); got != lua.LNumber(3) {
		t.Errorf("three(0) after hook = %v, want 3", got)
	}
	if got := call(t, L, clone, lua.LNumber(0)); got != lua.LNumber(6) {
		t.Errorf("clone(0) = %v, want 6", got)
	}
	if len(three.Upvalues) != 3 {
		t.Errorf("len(three.Upvalues) = %d, want 3", len(three.Upvalues))
	}
	if three.Upvalues[2].Value() != lua.LNil {
		t.Errorf("unused slot = %v, want nil", three.Upvalues[2].Value())
	}
	mustDo(t, L, `assert(holder.fn == three and holder.fn(10) == 13)`)

	if err := e.Restore(three); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := call(t, L, three, lua.LNumber(0)); got != lua.LNumber(6) {
		t.Errorf("three(0) after restore = %v, want 6", got)
	}
}

func TestHook_InterpretedSharesUpvalueCells(t *testing.T) {
	L, e := newTestEngine(t)
	mustDo(t, L, `
		local count = 0
		function target() return "target" end
		function counter() count = count + 1 return count end
		function peek() return count end
	`)
	target := global(t, L, "target")

	if _, err := e.Hook(target, global(t, L, "counter")); !errors.Is(err, ErrArgument) {
		t.Fatalf("Hook() error = %v, want ErrArgument for zero-slot target", err)
	}

	mustDo(t, L, `
		local dummy = 0
		function slotted() return dummy end
	`)
	slotted := global(t, L, "slotted")
	if _, err := e.Hook(slotted, global(t, L, "counter")); err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	call(t, L, slotted)
	call(t, L, slotted)
	if got := call(t, L, global(t, L, "peek")); got != lua.LNumber(2) {
		t.Errorf("peek() = %v, want 2 (cells shared with counter)", got)
	}
}

func TestHook_InterpretedConsumesNative(t *testing.T) {
	L, e := newTestEngine(t)
	mustDo(t, L, `function add(a, b) return a + b end`)
	add := global(t, L, "add")
	mul := L.NewFunction(func(L *lua.LState) int {
		L.Push(L.CheckNumber(1) * L.CheckNumber(2))
		return 1
	})

	clone, err := e.Hook(add, mul)
	if err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	if got := e.Classify(add); got != InterpretedBytecode {
		t.Errorf("Classify(add) = %v, want interpreted", got)
	}
	mustDo(t, L, `assert(add(3, 4) == 12, tostring(add(3, 4)))`)
	mustDo(t, L, `assert(print ~= nil)`)
	if got := call(t, L, clone, lua.LNumber(3), lua.LNumber(4)); got != lua.LNumber(7) {
		t.Errorf("clone(3, 4) = %v, want 7", got)
	}

	if err := e.Restore(add); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	mustDo(t, L, `assert(add(3, 4) == 7)`)
}

func TestHook_InterpretedConsumesNativeChecksSlots(t *testing.T) {
	L, e := newTestEngine(t)
	mustDo(t, L, `
		local a, b = 1, 2
		function two(x) return x + a + b end
	`)
	two := global(t, L, "two")
	proto := two.Proto
	three := L.NewClosure(constHandler("host"), lua.LNumber(1), lua.LNumber(2), lua.LNumber(3))

	if _, err := e.Hook(two, three); !errors.Is(err, ErrArgument) {
		t.Fatalf("Hook(two, three) error = %v, want ErrArgument", err)
	}
	if two.Proto != proto {
		t.Error("failed hook replaced the compiled program")
	}
	if got := call(t, L, two, lua.LNumber(0)); got != lua.LNumber(3) {
		t.Errorf("two(0) after failed hook = %v, want 3", got)
	}
	if e.IsHooked(two) {
		t.Error("failed hook recorded a restore point")
	}

	one := L.NewClosure(constHandler("host"), lua.LNumber(1))
	if _, err := e.Hook(two, one); err != nil {
		t.Fatalf("Hook(two, one) error = %v", err)
	}
	if got := call(t, L, two, lua.LNumber(0)); got.String() != "host" {
		t.Errorf("two(0) after hook = %v, want host", got)
	}
}

func TestHook_InterpretedRehookAfterNative(t *testing.T) {
	L, e := newTestEngine(t)
	mustDo(t, L, `
		function target() return "lua" end
		function setter() x = 1 return "set" end
	`)
	target := global(t, L, "target")
	globals := target.Env

	if _, err := e.Hook(target, constFunc(L, "host")); err != nil {
		t.Fatalf("Hook(target, host) error = %v", err)
	}
	if _, err := e.Hook(target, global(t, L, "setter")); err != nil {
		t.Fatalf("Hook(target, setter) error = %v", err)
	}
	if target.Env != globals {
		t.Error("interpreted re-hook kept the forwarding environment")
	}
	if got := call(t, L, target); got.String() != "set" {
		t.Errorf("target() = %v, want set", got)
	}
	if got := L.GetGlobal("x"); got != lua.LNumber(1) {
		t.Errorf("global x = %v, want 1", got)
	}

	if err := e.Restore(target); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := call(t, L, target); got.String() != "lua" {
		t.Errorf("target() after restore = %v, want lua", got)
	}
}

func TestHook_InterpretedSpliceOfForwardingProgram(t *testing.T) {
	L, e := newTestEngine(t)
	mustDo(t, L, `
		function forwarder() return "lua" end
		function plain() return "plain" end
	`)
	forwarder := global(t, L, "forwarder")
	plain := global(t, L, "plain")

	if _, err := e.Hook(forwarder, constFunc(L, "host")); err != nil {
		t.Fatalf("Hook(forwarder, host) error = %v", err)
	}
	if _, err := e.Hook(plain, forwarder); err != nil {
		t.Fatalf("Hook(plain, forwarder) error = %v", err)
	}
	if got := call(t, L, plain); got.String() != "host" {
		t.Errorf("plain() = %v, want host", got)
	}
}

func TestHook_ForwardingProgramResolvesGlobals(t *testing.T) {
	L, e := newTestEngine(t)
	mustDo(t, L, `function target() return 1 end`)
	target := global(t, L, "target")

	if _, err := e.Hook(target, constFunc(L, "host")); err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	env := target.Env
	if env == nil {
		t.Fatal("forwarding program has no environment")
	}
	if env.RawGetString(DefaultBindingName).Type() != lua.LTFunction {
		t.Errorf("binding %q missing from environment", DefaultBindingName)
	}
	if env.RawGetString("print") != lua.LNil {
		t.Error("environment should not copy globals")
	}
	if L.GetField(env, "print").Type() != lua.LTFunction {
		t.Error("globals should resolve through the environment metatable")
	}
}

func TestHook_NativeConsumesInterpreted(t *testing.T) {
	L, e := newTestEngine(t)
	mustDo(t, L, `function mul(a, b) return a * b, "extra" end`)
	host := constFunc(L, "host")
	L.SetGlobal("host", host)

	clone, err := e.Hook(host, global(t, L, "mul"))
	if err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	if got := e.Classify(host); got != GeneratedWrapper {
		t.Errorf("Classify(host) = %v, want wrapper", got)
	}
	if !e.IsWrapped(host) || !e.IsOwned(host) {
		t.Error("hooked host function should be a wrapper owned by the engine")
	}
	mustDo(t, L, `
		local p, extra = host(3, 4)
		assert(p == 12 and extra == "extra")
	`)
	if got := call(t, L, clone); got.String() != "host" {
		t.Errorf("clone() = %v, want host", got)
	}

	if err := e.Restore(host); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if e.IsWrapped(host) || e.IsOwned(host) {
		t.Error("restore should erase the entries the hook added")
	}
	mustDo(t, L, `assert(host() == "host")`)
}

func TestHook_StubConsumesInterpreted(t *testing.T) {
	L, e := newTestEngine(t)
	stub := e.NewFunction("stub", constHandler("stub"))
	mustDo(t, L, `function lua_impl() return "lua" end`)

	if _, err := e.Hook(stub, global(t, L, "lua_impl")); err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	if got := call(t, L, stub); got.String() != "lua" {
		t.Errorf("stub() = %v, want lua", got)
	}
	if err := e.Restore(stub); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := e.Classify(stub); got != InterpositionStub {
		t.Errorf("Classify() after restore = %v, want stub", got)
	}
	if got := call(t, L, stub); got.String() != "stub" {
		t.Errorf("stub() after restore = %v, want stub", got)
	}
}

func TestHook_FirstHookWins(t *testing.T) {
	L, e := newTestEngine(t)
	target := constFunc(L, "orig")

	if _, err := e.Hook(target, constFunc(L, "r1")); err != nil {
		t.Fatalf("Hook(r1) error = %v", err)
	}
	clone, err := e.Hook(target, constFunc(L, "r2"))
	if err != nil {
		t.Fatalf("Hook(r2) error = %v", err)
	}
	if got := call(t, L, clone); got.String() != "r1" {
		t.Errorf("second clone() = %v, want r1", got)
	}
	if got := call(t, L, target); got.String() != "r2" {
		t.Errorf("target() = %v, want r2", got)
	}

	if err := e.Restore(target); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := call(t, L, target); got.String() != "orig" {
		t.Errorf("target() after restore = %v, want orig", got)
	}
	if err := e.Restore(target); !errors.Is(err, ErrMissingRegistration) {
		t.Errorf("second Restore() error = %v, want ErrMissingRegistration", err)
	}
}

func TestHook_Validation(t *testing.T) {
	L, e := newTestEngine(t)
	host := constFunc(L, "host")
	mustDo(t, L, `
		local x = 1
		function scripted() return "lua" end
		function uphungry() return x end
	`)
	scripted := global(t, L, "scripted")
	uphungry := global(t, L, "uphungry")
	closure := L.NewClosure(constHandler("closure"), lua.LString("captured"))

	tests := []struct {
		name        string
		target      *lua.LFunction
		replacement *lua.LFunction
		want        error
	}{
		{"nil target", nil, host, ErrArgument},
		{"nil replacement", host, nil, ErrArgument},
		{"self", host, host, ErrArgument},
		{"too many upvalues", host, closure, ErrArgument},
		{"interpreted too many upvalues", scripted, uphungry, ErrArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Hook(tt.target, tt.replacement)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Hook() error = %v, want %v", err, tt.want)
			}
		})
	}

	if got := call(t, L, host); got.String() != "host" {
		t.Errorf("host() = %v after failed hooks, want host", got)
	}
	if e.IsHooked(host) {
		t.Error("failed hooks recorded a restore point")
	}
}

func TestHook_ForwardingCycle(t *testing.T) {
	L, e := newTestEngine(t)
	host := constFunc(L, "host")
	w, err := e.Wrap(host)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	if _, err := e.Hook(host, w); !errors.Is(err, ErrArgument) {
		t.Fatalf("Hook(host, wrap(host)) error = %v, want ErrArgument", err)
	}
	if got := call(t, L, w); got.String() != "host" {
		t.Errorf("wrapper() = %v, want host", got)
	}
}

func TestHook_MirrorsWrapperEntries(t *testing.T) {
	L, e := newTestEngine(t)
	f1 := constFunc(L, "f1")
	f2 := constFunc(L, "f2")
	w1, err := e.Wrap(f1)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	if _, err := e.Hook(f2, w1); err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	if got := e.Classify(f2); got != GeneratedWrapper {
		t.Errorf("Classify(f2) = %v, want wrapper", got)
	}
	if orig, _ := e.Registry().LookupOriginal(f2); orig != f1 {
		t.Error("f2 should forward to f1")
	}
	if got := call(t, L, f2); got.String() != "f1" {
		t.Errorf("f2() = %v, want f1", got)
	}
	if w, _ := e.Wrap(f1); w != w1 {
		t.Error("mirroring must not change the canonical wrapper")
	}

	if err := e.Restore(f2); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if e.IsWrapped(f2) {
		t.Error("f2 still wrapped after restore")
	}
}

func TestHook_HostReplacementClearsEntries(t *testing.T) {
	L, e := newTestEngine(t)
	f := constFunc(L, "f")
	w, err := e.Wrap(f)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	if _, err := e.Hook(w, constFunc(L, "plain")); err != nil {
		t.Fatalf("Hook() error = %v", err)
	}
	if got := e.Classify(w); got != HostOwned {
		t.Errorf("Classify(w) = %v, want host", got)
	}
	if e.IsWrapped(w) || e.IsOwned(w) {
		t.Error("entries should be removed when the replacement is host-owned")
	}

	if err := e.Restore(w); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := e.Classify(w); got != GeneratedWrapper {
		t.Errorf("Classify(w) after restore = %v, want wrapper", got)
	}
	if got := call(t, L, w); got.String() != "f" {
		t.Errorf("w() after restore = %v, want f", got)
	}
	if again, _ := e.Wrap(f); again != w {
		t.Error("restored wrapper should be canonical again")
	}
}

func TestHook_DisabledTransition(t *testing.T) {
	disabled := Transition{Target: HostOwned, Replacement: InterpretedBytecode}
	L, e := newTestEngine(t, WithDisabledTransitions(disabled))
	host := constFunc(L, "host")
	mustDo(t, L, `function scripted() return "lua" end`)

	_, err := e.Hook(host, global(t, L, "scripted"))
	if !errors.Is(err, ErrUnsupportedTransition) {
		t.Fatalf("Hook() error = %v, want ErrUnsupportedTransition", err)
	}
	if got := call(t, L, host); got.String() != "host" {
		t.Errorf("host() = %v, want host", got)
	}
	if got := len(e.Transitions()); got != len(Variants)*len(Variants)-1 {
		t.Errorf("len(Transitions()) = %d, want %d", got, len(Variants)*len(Variants)-1)
	}
}

func TestHook_CompileError(t *testing.T) {
	L, e := newTestEngine(t, WithBindingName("$bad"))
	mustDo(t, L, `function scripted() return "lua" end`)
	scripted := global(t, L, "scripted")
	proto := scripted.Proto

	_, err := e.Hook(scripted, constFunc(L, "host"))
	if !errors.Is(err, ErrCompile) {
		t.Fatalf("Hook() error = %v, want ErrCompile", err)
	}
	if scripted.Proto != proto {
		t.Error("target mutated by a failed compile")
	}
	if e.IsHooked(scripted) {
		t.Error("failed compile recorded a restore point")
	}
}

func TestTransitions_FullTable(t *testing.T) {
	_, e := newTestEngine(t)
	if got := len(e.Transitions()); got != 25 {
		t.Errorf("len(Transitions()) = %d, want 25", got)
	}
}

func TestPickStrategy(t *testing.T) {
	tests := []struct {
		target, replacement Variant
		want                string
	}{
		{HostOwned, HostOwned, "native splice"},
		{InterpositionStub, GeneratedWrapper, "native splice"},
		{HostNative, InterpretedBytecode, "native consumes interpreted"},
		{GeneratedWrapper, InterpretedBytecode, "native consumes interpreted"},
		{InterpretedBytecode, HostOwned, "interpreted consumes native"},
		{InterpretedBytecode, InterpretedBytecode, "interpreted splice"},
	}
	for _, tt := range tests {
		if got := pickStrategy(tt.target, tt.replacement).name; got != tt.want {
			t.Errorf("pickStrategy(%v, %v) = %q, want %q", tt.target, tt.replacement, got, tt.want)
		}
	}
}

func TestParseTransition(t *testing.T) {
	got, err := ParseTransition("interpreted->host")
	if err != nil {
		t.Fatalf("ParseTransition() error = %v", err)
	}
	want := Transition{Target: InterpretedBytecode, Replacement: HostOwned}
	if got != want {
		t.Errorf("ParseTransition() = %v, want %v", got, want)
	}
	if got.String() != "interpreted->host" {
		t.Errorf("String() = %q", got.String())
	}

	for _, bad := range []string{"interpreted", "bogus->host", "host->bogus"} {
		if _, err := ParseTransition(bad); err == nil {
			t.Errorf("ParseTransition(%q) should fail", bad)
		}
	}
}
