package interpose

import (
	"runtime"
	"sync"
	"weak"

	lua "github.com/yuin/gopher-lua"
)

// identity is the registry key of a callable. It does not keep the callable
// alive, and it never compares equal to the key of a different allocation.
type identity = weak.Pointer[lua.LFunction]

// identities hands out registry keys and collects the keys whose callables
// were garbage collected. Cleanups run on a runtime goroutine, so the stale
// queue is guarded; everything else is touched only from the VM goroutine.
type identities struct {
	mu      sync.Mutex
	tracked map[identity]struct{}
	stale   []identity
}

func newIdentities() *identities {
	return &identities{tracked: make(map[identity]struct{})}
}

// key returns fn's key without registering a cleanup. Use it for lookups.
func (ids *identities) key(fn *lua.LFunction) identity {
	return weak.Make(fn)
}

// track returns fn's key and arranges for it to be reported stale once fn is
// collected.
func (ids *identities) track(fn *lua.LFunction) identity {
	k := weak.Make(fn)
	ids.mu.Lock()
	_, seen := ids.tracked[k]
	if !seen {
		ids.tracked[k] = struct{}{}
	}
	ids.mu.Unlock()
	if !seen {
		runtime.AddCleanup(fn, ids.markStale, k)
	}
	return k
}

func (ids *identities) markStale(k identity) {
	ids.mu.Lock()
	delete(ids.tracked, k)
	ids.stale = append(ids.stale, k)
	ids.mu.Unlock()
}

// drain returns and clears the keys collected since the last call.
func (ids *identities) drain() []identity {
	ids.mu.Lock()
	defer ids.mu.Unlock()
	if len(ids.stale) == 0 {
		return nil
	}
	out := ids.stale
	ids.stale = nil
	return out
}
