package interpose

import (
	lua "github.com/yuin/gopher-lua"
)

type restorePoint struct {
	snap   *snapshot
	anchor Anchor
}

// RestoreRegistry keeps the pre-hook state of every hooked callable. Only the
// first hook of a callable is recorded.
type RestoreRegistry struct {
	ids     *identities
	anchors *AnchorSet
	points  map[identity]restorePoint
}

func newRestoreRegistry(ids *identities, anchors *AnchorSet) *RestoreRegistry {
	return &RestoreRegistry{
		ids:     ids,
		anchors: anchors,
		points:  make(map[identity]restorePoint),
	}
}

// Save records snap for fn unless fn already has a restore point. It reports
// whether snap was stored.
func (r *RestoreRegistry) Save(fn *lua.LFunction, snap *snapshot) bool {
	k := r.ids.track(fn)
	if _, ok := r.points[k]; ok {
		return false
	}
	r.points[k] = restorePoint{snap: snap, anchor: r.anchors.Anchor(snap.fn)}
	return true
}

// Has reports whether fn has a restore point.
func (r *RestoreRegistry) Has(fn *lua.LFunction) bool {
	_, ok := r.points[r.ids.key(fn)]
	return ok
}

// Peek returns fn's restore point without removing it.
func (r *RestoreRegistry) Peek(fn *lua.LFunction) (*snapshot, bool) {
	p, ok := r.points[r.ids.key(fn)]
	if !ok {
		return nil, false
	}
	return p.snap, true
}

// Take removes fn's restore point and returns its snapshot.
func (r *RestoreRegistry) Take(fn *lua.LFunction) (*snapshot, bool) {
	k := r.ids.key(fn)
	p, ok := r.points[k]
	if !ok {
		return nil, false
	}
	r.anchors.Release(p.anchor)
	delete(r.points, k)
	return p.snap, true
}

// Len returns the number of restore points.
func (r *RestoreRegistry) Len() int { return len(r.points) }

func (r *RestoreRegistry) forgetKey(k identity) {
	if p, ok := r.points[k]; ok {
		r.anchors.Release(p.anchor)
		delete(r.points, k)
	}
}

func (r *RestoreRegistry) clear() {
	for k := range r.points {
		r.forgetKey(k)
	}
}

// Restore undoes every hook of target, putting back the representation and
// registry entries it had before its first hook.
func (e *Engine) Restore(target *lua.LFunction) error {
	if err := e.checkOpen("restore"); err != nil {
		return err
	}
	if target == nil {
		return argumentError("restore", "expected a function")
	}
	snap, ok := e.restores.Take(target)
	if !ok {
		return &Error{Kind: KindMissingRegistration, Op: "restore", Message: "function was never hooked"}
	}
	snap.applyTo(target)
	e.reg.setState(target, snap.state)
	e.log.Debug("restored %p (%s)", target, e.Classify(target))
	return nil
}
