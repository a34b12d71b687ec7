package backend

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Opener opens a path as a Source.
type Opener func(ctx context.Context, path string) (Source, error)

// registry holds registered openers.
var (
	registryMu sync.RWMutex
	openers    = make(map[Kind]Opener)
)

// Register registers the opener for a kind.
// This is typically called from init() functions in backend packages.
// If an opener for the kind is already registered, it will be replaced.
func Register(kind Kind, opener Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	openers[kind] = opener
}

// Unregister removes the opener for a kind.
// This is useful for testing.
func Unregister(kind Kind) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(openers, kind)
}

// Available returns the registered kinds in ascending order.
func Available() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]Kind, 0, len(openers))
	for kind := range openers {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// IsRegistered checks if an opener for the kind is registered.
func IsRegistered(kind Kind) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := openers[kind]
	return ok
}

// Open opens path with the opener registered for kind.
func Open(ctx context.Context, kind Kind, path string) (Source, error) {
	registryMu.RLock()
	opener, ok := openers[kind]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotAvailable, kind)
	}
	return opener(ctx, path)
}
