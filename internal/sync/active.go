package sync

import "sync"

// Active tracks which group the user is currently viewing. The sync core
// never reads any other UI state.
type Active struct {
	mu      sync.RWMutex
	groupID string
}

// Set records the active group. Empty means no group is being viewed.
func (a *Active) Set(groupID string) {
	a.mu.Lock()
	a.groupID = groupID
	a.mu.Unlock()
}

// Get returns the active group id, or empty.
func (a *Active) Get() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.groupID
}
