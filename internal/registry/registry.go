// Package registry provides the bidirectional run <-> channel mapping owned by a
// group dispatcher.
//
// A Registry is not safe for concurrent use. Only the goroutine of the dispatcher
// that owns it touches it.
package registry

import (
	"cmp"
	"slices"
)

// Registry is a one-to-one mapping between keys (run IDs) and handles (channels).
// A key maps to at most one handle and a handle maps to at most one key.
type Registry[K cmp.Ordered, H comparable] struct {
	byKey    map[K]H
	byHandle map[H]K
}

// New creates an empty Registry
func New[K cmp.Ordered, H comparable]() *Registry[K, H] {
	return &Registry[K, H]{
		byKey:    make(map[K]H),
		byHandle: make(map[H]K),
	}
}

// Register binds handle to key and returns the handle previously bound to key, if any,
// so the caller can close it as a duplicate.
//
// If handle was bound to a different key, that pairing is dropped.
func (r *Registry[K, H]) Register(key K, handle H) (H, bool) {
	if oldKey, ok := r.byHandle[handle]; ok && oldKey != key {
		delete(r.byKey, oldKey)
	}

	previous, hadPrevious := r.byKey[key]
	if hadPrevious {
		delete(r.byHandle, previous)
	}

	r.byKey[key] = handle
	r.byHandle[handle] = key

	if hadPrevious && previous == handle {
		// Re-registering the same pairing is not a duplicate.
		var zero H
		return zero, false
	}
	return previous, hadPrevious
}

// Unregister removes key and returns its handle. Unknown keys are a no-op.
func (r *Registry[K, H]) Unregister(key K) (H, bool) {
	handle, ok := r.byKey[key]
	if !ok {
		return handle, false
	}
	delete(r.byKey, key)
	delete(r.byHandle, handle)
	return handle, true
}

// Get returns the handle bound to key
func (r *Registry[K, H]) Get(key K) (H, bool) {
	handle, ok := r.byKey[key]
	return handle, ok
}

// KeyOf returns the key bound to handle
func (r *Registry[K, H]) KeyOf(handle H) (K, bool) {
	key, ok := r.byHandle[handle]
	return key, ok
}

// All returns every registered key, sorted, together with the handles in the same order.
func (r *Registry[K, H]) All() ([]K, []H) {
	keys := make([]K, 0, len(r.byKey))
	for key := range r.byKey {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	handles := make([]H, 0, len(keys))
	for _, key := range keys {
		handles = append(handles, r.byKey[key])
	}
	return keys, handles
}

// Len returns the number of registered pairs
func (r *Registry[K, H]) Len() int {
	return len(r.byKey)
}
