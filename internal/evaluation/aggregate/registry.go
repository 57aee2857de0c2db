package aggregate

import (
	"context"
	"sync"
)

// Registry owns the open groups of one evaluation consumer.
type Registry[T any] struct {
	mu      sync.Mutex
	groups  map[string]*Group[T]
	merge   MergeFunc[T]
	consume ConsumeFunc[T]
}

func NewRegistry[T any](merge MergeFunc[T], consume ConsumeFunc[T]) *Registry[T] {
	return &Registry[T]{
		groups:  make(map[string]*Group[T]),
		merge:   merge,
		consume: consume,
	}
}

func (r *Registry[T]) group(groupID string) (*Group[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[groupID]; ok {
		return g, nil
	}
	g, err := NewGroup(groupID, r.merge, r.consume)
	if err != nil {
		return nil, err
	}
	r.groups[groupID] = g
	return g, nil
}

// Accept routes an item to its group.
func (r *Registry[T]) Accept(ctx context.Context, groupID string, item T) (bool, error) {
	g, err := r.group(groupID)
	if err != nil {
		return false, err
	}
	return g.Accept(ctx, item)
}

// Expect sets a group's expected count.
func (r *Registry[T]) Expect(ctx context.Context, groupID string, n int) (bool, error) {
	g, err := r.group(groupID)
	if err != nil {
		return false, err
	}
	return g.Expect(ctx, n)
}

// Pending returns the ids of groups that have not fired.
func (r *Registry[T]) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for id, g := range r.groups {
		if !g.Fired() {
			out = append(out, id)
		}
	}
	return out
}
