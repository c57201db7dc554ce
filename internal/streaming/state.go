package streaming

import (
	"sort"

	"github.com/23skdu/longbow-volley/internal/device"
)

// State is a component's private incremental memory: keyed tensor storage
// plus the absolute step offset of the stream. Every tensor's leading axis
// must equal the session batch size. A State is owned exclusively by the
// component that created it and is replaced wholesale (never merged) on
// reset.
type State struct {
	// Offset is the number of steps consumed so far. Components that need
	// absolute positions (rotary embeddings under eviction, delay buffers)
	// anchor to it rather than to cache-local indices.
	Offset int

	batch   int
	tensors map[string]device.Tensor
}

// NewState creates an empty container for the given batch size.
func NewState(batch int) *State {
	return &State{
		batch:   batch,
		tensors: make(map[string]device.Tensor),
	}
}

// Batch returns the batch size the container was initialized with.
func (s *State) Batch() int {
	return s.batch
}

// Set stores a tensor under key, rejecting tensors whose leading axis does
// not match the container's batch size.
func (s *State) Set(key string, t device.Tensor) error {
	b, _, _ := t.Dims()
	if b != s.batch {
		return &ShapeError{Key: key, Want: s.batch, Got: b}
	}
	s.tensors[key] = t
	return nil
}

// Get retrieves the tensor stored under key.
func (s *State) Get(key string) (device.Tensor, bool) {
	t, ok := s.tensors[key]
	return t, ok
}

// Delete removes the tensor stored under key.
func (s *State) Delete(key string) {
	delete(s.tensors, key)
}

// Len returns the number of stored tensors.
func (s *State) Len() int {
	return len(s.tensors)
}

// Keys returns the stored keys in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.tensors))
	for k := range s.tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks the batch-axis invariant over every stored tensor,
// attributing any violation to the named component.
func (s *State) Validate(component string) error {
	for _, k := range s.Keys() {
		b, _, _ := s.tensors[k].Dims()
		if b != s.batch {
			return &ShapeError{Component: component, Key: k, Want: s.batch, Got: b}
		}
	}
	return nil
}
