package interpose

import (
	lua "github.com/yuin/gopher-lua"
)

// Info describes a callable as the engine sees it.
type Info struct {
	Variant     string `json:"variant"`
	Native      bool   `json:"native"`
	Upvalues    int    `json:"upvalues"`
	Wrapped     bool   `json:"wrapped"`
	Owned       bool   `json:"owned"`
	Hooked      bool   `json:"hooked"`
	Handler     string `json:"handler,omitempty"`
	Source      string `json:"source,omitempty"`
	LineDefined int    `json:"line_defined,omitempty"`
}

// Describe reports what the engine knows about fn.
func (e *Engine) Describe(fn *lua.LFunction) Info {
	v := e.Classify(fn)
	info := Info{Variant: v.String()}
	if fn == nil {
		return info
	}
	info.Native = fn.IsG
	info.Upvalues = len(fn.Upvalues)
	info.Wrapped = e.IsWrapped(fn)
	info.Owned = e.IsOwned(fn)
	info.Hooked = e.IsHooked(fn)
	if h, ok := e.reg.LookupHandler(fn); ok {
		info.Handler = h.Name()
	}
	if !fn.IsG && fn.Proto != nil {
		info.Source = fn.Proto.SourceName
		info.LineDefined = fn.Proto.LineDefined
	}
	return info
}

// Stats summarizes the engine's bookkeeping.
type Stats struct {
	Registry      RegistryStats `json:"registry"`
	RestorePoints int           `json:"restore_points"`
	Anchors       int           `json:"anchors"`
	Transitions   int           `json:"transitions"`
}

// Stats returns current counts after dropping collected entries.
func (e *Engine) Stats() Stats {
	e.purge()
	return Stats{
		Registry:      e.reg.Len(),
		RestorePoints: e.restores.Len(),
		Anchors:       e.anchors.Len(),
		Transitions:   len(e.strategies),
	}
}
