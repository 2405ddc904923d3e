package interpose

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Variant is the representation family of a callable.
type Variant int

const (
	// VariantUnknown is returned for values that are not callables.
	VariantUnknown Variant = iota
	// HostNative names the native family as a whole. Classify never returns
	// it; the transition table still carries a row and column for it.
	HostNative
	// InterpretedBytecode is a closure over a compiled prototype.
	InterpretedBytecode
	// InterpositionStub is a native callable whose entry point is the
	// dispatch stub and whose handler is not the forwarding handler.
	InterpositionStub
	// GeneratedWrapper is a dispatch stub using the forwarding handler.
	GeneratedWrapper
	// HostOwned is any other native callable.
	HostOwned
)

// Variants lists every known variant in table order.
var Variants = []Variant{HostNative, InterpretedBytecode, InterpositionStub, GeneratedWrapper, HostOwned}

var variantNames = map[Variant]string{
	VariantUnknown:      "unknown",
	HostNative:          "native",
	InterpretedBytecode: "interpreted",
	InterpositionStub:   "stub",
	GeneratedWrapper:    "wrapper",
	HostOwned:           "host",
}

func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// Native reports whether v belongs to the native family.
func (v Variant) Native() bool {
	switch v {
	case HostNative, InterpositionStub, GeneratedWrapper, HostOwned:
		return true
	}
	return false
}

// ParseVariant returns the variant with the given name.
func ParseVariant(s string) (Variant, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, name := range variantNames {
		if v != VariantUnknown && name == s {
			return v, nil
		}
	}
	return VariantUnknown, fmt.Errorf("unknown variant %q", s)
}

// Classify returns the variant of fn. It has no side effects, and the result
// only changes when fn is hooked or restored.
func (e *Engine) Classify(fn *lua.LFunction) Variant {
	if fn == nil {
		return VariantUnknown
	}
	if !fn.IsG {
		return InterpretedBytecode
	}
	if !isDispatchStub(fn.GFunction) {
		return HostOwned
	}
	if h, ok := e.reg.LookupHandler(fn); ok && h.Forwarding() {
		return GeneratedWrapper
	}
	return InterpositionStub
}

// ClassifyValue is Classify for arbitrary values; non-functions are unknown.
func (e *Engine) ClassifyValue(v lua.LValue) Variant {
	fn, ok := v.(*lua.LFunction)
	if !ok {
		return VariantUnknown
	}
	return e.Classify(fn)
}
