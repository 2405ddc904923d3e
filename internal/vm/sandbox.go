package vm

import (
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Capability represents a permission that can be granted to scripts.
type Capability string

// Available capabilities.
const (
	CapabilityInterpose Capability = "interpose"
	CapabilityAliases   Capability = "interpose.aliases"
	CapabilityLoad      Capability = "load"
	CapabilityUnsafe    Capability = "unsafe" // io, os and debug
)

var knownCapabilities = map[Capability]bool{
	CapabilityInterpose: true,
	CapabilityAliases:   true,
	CapabilityLoad:      true,
	CapabilityUnsafe:    true,
}

// ParseCapability returns the capability named s.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !knownCapabilities[c] {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L *lua.LState

	capabilities map[Capability]bool

	// globals installed on behalf of granted capabilities
	installed map[string]bool
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{
		L:            L,
		capabilities: make(map[Capability]bool),
		installed:    make(map[string]bool),
	}
}

// dangerousGlobals are removed by Install. load and loadstring come back
// with CapabilityLoad.
var dangerousGlobals = []string{"dofile", "loadfile", "load", "loadstring"}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	for _, name := range dangerousGlobals {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installSafeRequire()
}

// safeLoaded entries survive the package.loaded purge.
var safeLoaded = map[string]bool{
	"_G": true, "string": true, "table": true, "math": true,
	"coroutine": true, "package": true,
}

// installSafeRequire clears the disk search paths and replaces require with
// a whitelist. Preloaded modules are reachable only when their capability
// is granted.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))

		if loaded, ok := s.L.GetField(pkg, "loaded").(*lua.LTable); ok {
			var remove []string
			loaded.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !safeLoaded[string(ks)] {
					remove = append(remove, string(ks))
				}
			})
			for _, key := range remove {
				loaded.RawSetString(key, lua.LNil)
			}
		}
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if need, gated := s.requirement(modName); gated && !s.capabilities[need] {
			L.RaiseError("module %q requires the %s capability", modName, need)
			return 0
		} else if !gated && !safeLoaded[modName] {
			L.RaiseError("module %q is not available", modName)
			return 0
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// requirement reports the capability guarding a module.
func (s *Sandbox) requirement(modName string) (Capability, bool) {
	switch {
	case modName == "interpose" || strings.HasPrefix(modName, "interpose."):
		return CapabilityInterpose, true
	case modName == "io" || modName == "os" || modName == "debug":
		return CapabilityUnsafe, true
	}
	return "", false
}

// Grant enables a capability and installs what it unlocks.
func (s *Sandbox) Grant(c Capability) {
	if s.capabilities[c] {
		return
	}
	s.capabilities[c] = true

	switch c {
	case CapabilityLoad:
		s.injectLoaders()
	case CapabilityUnsafe:
		s.injectUnsafeLibraries()
	}
}

// Revoke disables a capability. Globals already installed are not removed;
// a fresh state is needed for that.
func (s *Sandbox) Revoke(c Capability) {
	delete(s.capabilities, c)
}

// HasCapability returns true if the capability is granted.
func (s *Sandbox) HasCapability(c Capability) bool {
	return s.capabilities[c]
}

// Capabilities returns all granted capabilities, sorted.
func (s *Sandbox) Capabilities() []Capability {
	caps := make([]Capability, 0, len(s.capabilities))
	for c, granted := range s.capabilities {
		if granted {
			caps = append(caps, c)
		}
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// InstallGlobal sets a global that State.Reset must keep.
func (s *Sandbox) InstallGlobal(name string, v lua.LValue) {
	s.L.SetGlobal(name, v)
	s.installed[name] = true
}

func (s *Sandbox) installedGlobals() map[string]bool {
	return s.installed
}

// injectLoaders installs loadstring and load for source text only.
// Bytecode and reader functions are not accepted.
func (s *Sandbox) injectLoaders() {
	loader := s.L.NewFunction(func(L *lua.LState) int {
		src := L.CheckString(1)
		name := L.OptString(2, "<string>")
		fn, err := L.Load(strings.NewReader(src), name)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(fn)
		return 1
	})
	s.InstallGlobal("loadstring", loader)
	s.InstallGlobal("load", loader)
}

// injectUnsafeLibraries opens io, os and debug.
// This should only be used for trusted scripts.
func (s *Sandbox) injectUnsafeLibraries() {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.IoLibName, lua.OpenIo},
		{lua.OsLibName, lua.OpenOs},
		{lua.DebugLibName, lua.OpenDebug},
	} {
		s.L.Push(s.L.NewFunction(lib.fn))
		s.L.Push(lua.LString(lib.name))
		s.L.Call(1, 0)
		s.installed[lib.name] = true
	}
}

// CheckCapability returns an error if the capability is not granted.
func (s *Sandbox) CheckCapability(c Capability) error {
	if !s.capabilities[c] {
		return &CapabilityError{Capability: c}
	}
	return nil
}

// CapabilityError is returned when a capability is not granted.
type CapabilityError struct {
	Capability Capability
}

func (e *CapabilityError) Error() string {
	return "capability not granted: " + string(e.Capability)
}
