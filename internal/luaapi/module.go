// Package luaapi exposes the interposition engine to scripts as the
// "interpose" module.
package luaapi

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/interpose/internal/interpose"
	"github.com/dshills/interpose/internal/vm"
)

// ModuleName is the global and require name of the library.
const ModuleName = "interpose"

// Aliases maps legacy global names to library functions.
var Aliases = map[string]string{
	"newcclosure":       "wrap",
	"hookfunction":      "hook",
	"replaceclosure":    "hook",
	"restorefunction":   "restore",
	"clonefunction":     "clone",
	"iscclosure":        "isNative",
	"islclosure":        "isInterpreted",
	"isexecutorclosure": "isOwned",
	"checkclosure":      "isOwned",
	"isourclosure":      "isOwned",
	"isnewcclosure":     "isWrapped",
	"hookmetamethod":    "hookMetamethod",
}

// Module implements the interpose library.
type Module struct {
	engine  *interpose.Engine
	bridge  *vm.Bridge
	sandbox *vm.Sandbox
	aliases bool

	table *lua.LTable
}

// Option configures Open.
type Option func(*Module)

// WithAliases installs the legacy global names regardless of the
// CapabilityAliases grant.
func WithAliases() Option {
	return func(m *Module) {
		m.aliases = true
	}
}

// Open registers the library into state. The state must hold
// vm.CapabilityInterpose.
func Open(state *vm.State, opts ...Option) (*Module, error) {
	sb := state.Sandbox()
	if err := sb.CheckCapability(vm.CapabilityInterpose); err != nil {
		return nil, fmt.Errorf("open %s: %w", ModuleName, err)
	}

	m := &Module{
		engine:  state.Engine(),
		bridge:  state.Bridge(),
		sandbox: sb,
		aliases: sb.HasCapability(vm.CapabilityAliases),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Register(state.LuaState()); err != nil {
		return nil, err
	}
	state.Logger().WithComponent("luaapi").Debug("opened %s (aliases=%t)", ModuleName, m.aliases)
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return ModuleName }

// RequiredCapability returns the capability required for this module.
func (m *Module) RequiredCapability() vm.Capability { return vm.CapabilityInterpose }

// Table returns the registered library table, or nil before Register.
func (m *Module) Table() *lua.LTable { return m.table }

// Register installs the library table as a global, a preloaded module and,
// when enabled, the alias globals. Library functions are engine-owned.
func (m *Module) Register(L *lua.LState) error {
	funcs := map[string]lua.LGFunction{
		"classify":       m.classify,
		"wrap":           m.wrap,
		"hook":           m.hook,
		"restore":        m.restore,
		"isWrapped":      m.isWrapped,
		"clone":          m.clone,
		"isOwned":        m.isOwned,
		"isNative":       m.isNative,
		"isInterpreted":  m.isInterpreted,
		"isHooked":       m.isHooked,
		"inspect":        m.inspect,
		"stats":          m.stats,
		"hookMetamethod": m.hookMetamethod,
	}

	mod := L.NewTable()
	for name, fn := range funcs {
		f := L.NewFunction(fn)
		m.engine.MarkOwned(f)
		mod.RawSetString(name, f)
	}
	// suspend is a stub so that the signal it raises is turned into a yield
	// by its own dispatch frame.
	mod.RawSetString("suspend", m.engine.NewFunction("suspend", m.suspend))
	mod.RawSetString("transitions", m.transitions(L))

	m.table = mod
	m.install(L, ModuleName, mod)
	L.PreloadModule(ModuleName, func(L *lua.LState) int {
		L.Push(mod)
		return 1
	})

	if m.aliases {
		for alias, target := range Aliases {
			m.install(L, alias, mod.RawGetString(target))
		}
	}
	return nil
}

func (m *Module) install(L *lua.LState, name string, v lua.LValue) {
	if m.sandbox != nil {
		m.sandbox.InstallGlobal(name, v)
		return
	}
	L.SetGlobal(name, v)
}

// transitions lists the enabled "target->replacement" pairs.
func (m *Module) transitions(L *lua.LState) *lua.LTable {
	ts := m.engine.Transitions()
	t := L.CreateTable(len(ts), 0)
	for i, tr := range ts {
		t.RawSetInt(i+1, lua.LString(tr.String()))
	}
	return t
}
