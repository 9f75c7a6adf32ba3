package router

import (
	"sync"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// nodeFilter holds a node's block/allow lists, each guarded by its own
// lock so forwarding never blocks filter edits on unrelated nodes (spec
// §5). is_allowed takes the shared (read) lock; edits take the exclusive
// lock.
type nodeFilter struct {
	mu    sync.RWMutex
	allow map[msgbus.MessageID]bool
	block map[msgbus.MessageID]bool
}

func newNodeFilter() *nodeFilter {
	return &nodeFilter{allow: make(map[msgbus.MessageID]bool), block: make(map[msgbus.MessageID]bool)}
}

// isAllowed is true for special (control-plane) messages unconditionally;
// otherwise, if the allow list is non-empty the id must be in it, else the
// id must not be in the block list.
func (f *nodeFilter) isAllowed(id msgbus.MessageID) bool {
	if id.IsSpecial() {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.allow) > 0 {
		return f.allow[id]
	}
	return !f.block[id]
}

func (f *nodeFilter) blockID(id msgbus.MessageID) {
	if id.IsSpecial() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block[id] = true
}

func (f *nodeFilter) allowID(id msgbus.MessageID) {
	if id.IsSpecial() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allow[id] = true
}

func (f *nodeFilter) clearBlock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(map[msgbus.MessageID]bool)
}

func (f *nodeFilter) clearAllow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allow = make(map[msgbus.MessageID]bool)
}
