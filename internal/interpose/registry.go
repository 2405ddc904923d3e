package interpose

import (
	lua "github.com/yuin/gopher-lua"
)

type wrapperEntry struct {
	original *lua.LFunction
	anchor   Anchor
}

type handlerEntry struct {
	handler *Handler
	anchor  Anchor
}

// Registry records which stubs forward to which originals, which handler each
// stub runs, and which callables the engine owns.
//
// Keys are weak, so the registry never keeps a stub alive; the values it
// points at are anchored until their entry is erased.
type Registry struct {
	ids     *identities
	anchors *AnchorSet

	wrappers  map[identity]wrapperEntry
	canonical map[identity]identity // original -> the wrapper Wrap returns for it
	handlers  map[identity]handlerEntry
	owned     map[identity]struct{}
}

// RegistryStats counts registry entries.
type RegistryStats struct {
	Wrappers int `json:"wrappers"`
	Handlers int `json:"handlers"`
	Owned    int `json:"owned"`
}

func newRegistry(ids *identities, anchors *AnchorSet) *Registry {
	return &Registry{
		ids:       ids,
		anchors:   anchors,
		wrappers:  make(map[identity]wrapperEntry),
		canonical: make(map[identity]identity),
		handlers:  make(map[identity]handlerEntry),
		owned:     make(map[identity]struct{}),
	}
}

// RegisterWrapper records that wrapper forwards to original. A later call for
// the same wrapper replaces the earlier entry.
func (r *Registry) RegisterWrapper(wrapper, original *lua.LFunction) {
	r.putWrapper(r.ids.track(wrapper), original)
}

func (r *Registry) putWrapper(k identity, original *lua.LFunction) {
	if old, ok := r.wrappers[k]; ok {
		if old.original == original {
			return
		}
		r.anchors.Release(old.anchor)
		r.dropCanonical(k)
	}
	r.wrappers[k] = wrapperEntry{original: original, anchor: r.anchors.Anchor(original)}
}

// LookupOriginal returns the original a wrapper forwards to.
func (r *Registry) LookupOriginal(fn *lua.LFunction) (*lua.LFunction, bool) {
	ent, ok := r.wrappers[r.ids.key(fn)]
	return ent.original, ok
}

// RegisterHandler installs h as the handler of stub and marks stub owned.
func (r *Registry) RegisterHandler(stub *lua.LFunction, h *Handler) {
	k := r.ids.track(stub)
	r.putHandler(k, h)
	r.owned[k] = struct{}{}
}

func (r *Registry) putHandler(k identity, h *Handler) {
	if old, ok := r.handlers[k]; ok {
		if old.handler == h {
			return
		}
		r.anchors.Release(old.anchor)
	}
	ent := handlerEntry{handler: h}
	if h.fn != nil {
		ent.anchor = r.anchors.Anchor(h.fn)
	}
	r.handlers[k] = ent
}

// LookupHandler returns the handler installed for stub.
func (r *Registry) LookupHandler(fn *lua.LFunction) (*Handler, bool) {
	ent, ok := r.handlers[r.ids.key(fn)]
	return ent.handler, ok
}

// MarkOwned adds fn to the set of engine-owned callables.
func (r *Registry) MarkOwned(fn *lua.LFunction) {
	r.owned[r.ids.track(fn)] = struct{}{}
}

// IsOwned reports whether fn is engine-owned.
func (r *Registry) IsOwned(fn *lua.LFunction) bool {
	_, ok := r.owned[r.ids.key(fn)]
	return ok
}

// Canonical returns the wrapper Wrap handed out for original, if it is still
// alive and still forwards to original.
func (r *Registry) Canonical(original *lua.LFunction) (*lua.LFunction, bool) {
	wk, ok := r.canonical[r.ids.key(original)]
	if !ok {
		return nil, false
	}
	w := wk.Value()
	if w == nil {
		return nil, false
	}
	ent, ok := r.wrappers[wk]
	if !ok || ent.original != original {
		return nil, false
	}
	return w, true
}

func (r *Registry) setCanonical(original *lua.LFunction, wrapper identity) {
	orig := r.ids.track(original)
	if _, alive := r.Canonical(original); alive {
		return
	}
	r.canonical[orig] = wrapper
}

// dropCanonical removes the canonical entries pointing at wrapper.
func (r *Registry) dropCanonical(wrapper identity) {
	for orig, wk := range r.canonical {
		if wk == wrapper {
			delete(r.canonical, orig)
		}
	}
}

func (r *Registry) dropWrapper(k identity) {
	ent, ok := r.wrappers[k]
	if !ok {
		return
	}
	r.anchors.Release(ent.anchor)
	delete(r.wrappers, k)
	r.dropCanonical(k)
}

func (r *Registry) dropHandler(k identity) {
	ent, ok := r.handlers[k]
	if !ok {
		return
	}
	r.anchors.Release(ent.anchor)
	delete(r.handlers, k)
}

// Forget erases every entry keyed by fn and releases their anchors.
func (r *Registry) Forget(fn *lua.LFunction) {
	r.forgetKey(r.ids.key(fn))
}

func (r *Registry) forgetKey(k identity) {
	r.dropHandler(k)
	r.dropWrapper(k)
	delete(r.owned, k)
	delete(r.canonical, k)
}

// Len counts the live entries.
func (r *Registry) Len() RegistryStats {
	return RegistryStats{
		Wrappers: len(r.wrappers),
		Handlers: len(r.handlers),
		Owned:    len(r.owned),
	}
}

func (r *Registry) clear() {
	for k := range r.handlers {
		r.dropHandler(k)
	}
	for k := range r.wrappers {
		r.dropWrapper(k)
	}
	clear(r.owned)
	clear(r.canonical)
}

// regState is everything the registry knows about one identity.
type regState struct {
	handler   *Handler
	original  *lua.LFunction
	canonical bool
	owned     bool
}

func (s regState) empty() bool {
	return s.handler == nil && s.original == nil && !s.owned
}

func (r *Registry) stateOf(fn *lua.LFunction) regState {
	k := r.ids.key(fn)
	var st regState
	if ent, ok := r.handlers[k]; ok {
		st.handler = ent.handler
	}
	if ent, ok := r.wrappers[k]; ok {
		st.original = ent.original
		st.canonical = r.canonical[r.ids.key(ent.original)] == k
	}
	_, st.owned = r.owned[k]
	return st
}

// setState makes fn's entries exactly st, adding and dropping as needed.
func (r *Registry) setState(fn *lua.LFunction, st regState) {
	var k identity
	if st.empty() {
		k = r.ids.key(fn)
	} else {
		k = r.ids.track(fn)
	}

	if st.handler != nil {
		r.putHandler(k, st.handler)
	} else {
		r.dropHandler(k)
	}

	if st.original != nil {
		r.putWrapper(k, st.original)
		if st.canonical {
			r.setCanonical(st.original, k)
		}
	} else {
		r.dropWrapper(k)
	}

	if st.owned {
		r.owned[k] = struct{}{}
	} else {
		delete(r.owned, k)
	}
}
