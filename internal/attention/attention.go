// Package attention implements multi-head self-attention with an incremental
// key/value cache, usable both offline over a full sequence and step-by-step
// inside a streaming session.
package attention

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/streaming"
)

const (
	keyCacheKey   = "keys"
	valueCacheKey = "values"
)

var _ streaming.Streamer = (*Attention)(nil)

// Config holds the static configuration of an attention block.
type Config struct {
	Dim   int
	Heads int

	// Causal applies a causal mask in the offline forward pass. Streaming
	// steps are always causal since the cache only holds past-and-current
	// entries; streaming/offline equivalence therefore requires Causal.
	Causal bool

	// Window caps the key/value cache at this many steps, evicting the oldest
	// entries. This is a documented approximation: attention over an evicted
	// cache no longer matches the offline pass. 0 keeps the cache unbounded,
	// which preserves exact equivalence.
	Window int

	// RoPE applies rotary positional embeddings to queries and keys. Rotations
	// are anchored to absolute step indices carried in the state container, so
	// window eviction does not corrupt positional information.
	RoPE bool
}

// Attention is a multi-head self-attention block. In streaming mode it
// appends each step's projected keys/values to the cache held in its state
// container and attends the new queries over the entire cache.
type Attention struct {
	streaming.Node

	cfg     Config
	backend device.Backend
	scale   float32

	wq, wk, wv, wo device.Tensor
}

// New creates an attention block with Xavier-initialized projections.
func New(cfg Config, backend device.Backend) (*Attention, error) {
	if cfg.Dim <= 0 || cfg.Heads <= 0 {
		return nil, &streaming.ConfigError{Reason: "attention dim and heads must be positive"}
	}
	if cfg.Dim%cfg.Heads != 0 {
		return nil, &streaming.ConfigError{Reason: fmt.Sprintf("attention dim %d not divisible by %d heads", cfg.Dim, cfg.Heads)}
	}
	if cfg.Window < 0 {
		return nil, &streaming.ConfigError{Reason: "attention window must be non-negative"}
	}
	if cfg.RoPE && (cfg.Dim/cfg.Heads)%2 != 0 {
		return nil, &streaming.ConfigError{Reason: "rotary embeddings require an even head dim"}
	}

	a := &Attention{
		cfg:     cfg,
		backend: backend,
		scale:   1 / float32(math.Sqrt(float64(cfg.Dim/cfg.Heads))),
		wq:      backend.NewTensor(1, cfg.Dim, cfg.Dim, nil),
		wk:      backend.NewTensor(1, cfg.Dim, cfg.Dim, nil),
		wv:      backend.NewTensor(1, cfg.Dim, cfg.Dim, nil),
		wo:      backend.NewTensor(1, cfg.Dim, cfg.Dim, nil),
	}
	// Seeded so equally configured blocks are interchangeable: replaying a
	// session on a freshly built tree reproduces its outputs.
	rng := rand.New(rand.NewSource(1))
	for _, w := range []device.Tensor{a.wq, a.wk, a.wv, a.wo} {
		xavierInit(rng, w)
	}
	return a, nil
}

func (a *Attention) Name() string { return "attention" }

func (a *Attention) Children() []streaming.Streamer { return nil }

// InitState returns an empty key/value cache for batchSize rows.
func (a *Attention) InitState(batchSize int) (*streaming.State, error) {
	st := streaming.NewState(batchSize)
	if err := st.Set(keyCacheKey, a.backend.NewTensor(batchSize, 0, a.cfg.Dim, nil)); err != nil {
		return nil, err
	}
	if err := st.Set(valueCacheKey, a.backend.NewTensor(batchSize, 0, a.cfg.Dim, nil)); err != nil {
		return nil, err
	}
	return st, nil
}

// Forward computes attention over a full sequence with no cache access.
func (a *Attention) Forward(x device.Tensor) device.Tensor {
	_, steps, _ := x.Dims()

	q := a.backend.MatMul(x, a.wq)
	k := a.backend.MatMul(x, a.wk)
	v := a.backend.MatMul(x, a.wv)
	if a.cfg.RoPE {
		positions := absolutePositions(0, steps)
		q.ApplyRoPE(positions, a.cfg.Heads)
		k.ApplyRoPE(positions, a.cfg.Heads)
	}

	ctx := a.backend.Attention(q, k, v, a.cfg.Heads, a.scale, a.cfg.Causal, 0, 0)
	out := a.backend.MatMul(ctx, a.wo)

	a.backend.PutTensor(q)
	a.backend.PutTensor(k)
	a.backend.PutTensor(v)
	a.backend.PutTensor(ctx)
	return out
}

// Step consumes one step (or a small chunk) of input, appends the projected
// keys/values to the cache and attends the new queries over the whole cache.
// Running Step over a sequence one step at a time matches Forward over the
// same sequence whenever the cache is unbounded.
func (a *Attention) Step(x device.Tensor) (device.Tensor, error) {
	if !a.Streaming() {
		return nil, streaming.ErrSessionNotActive
	}
	st := a.State()
	xb, chunk, _ := x.Dims()
	if xb != st.Batch() {
		return nil, &streaming.ShapeError{Component: a.Name(), Key: "input", Want: st.Batch(), Got: xb}
	}

	offset := st.Offset
	q := a.backend.MatMul(x, a.wq)
	k := a.backend.MatMul(x, a.wk)
	v := a.backend.MatMul(x, a.wv)
	if a.cfg.RoPE {
		positions := absolutePositions(offset, chunk)
		q.ApplyRoPE(positions, a.cfg.Heads)
		k.ApplyRoPE(positions, a.cfg.Heads)
	}

	cachedK, _ := st.Get(keyCacheKey)
	cachedV, _ := st.Get(valueCacheKey)
	keys := a.backend.ConcatSteps(cachedK, k)
	values := a.backend.ConcatSteps(cachedV, v)
	a.backend.PutTensor(k)
	a.backend.PutTensor(v)
	a.backend.PutTensor(cachedK)
	a.backend.PutTensor(cachedV)

	if a.cfg.Window > 0 {
		_, cached, _ := keys.Dims()
		if cached > a.cfg.Window {
			evictedK := a.backend.SliceSteps(keys, cached-a.cfg.Window, cached)
			evictedV := a.backend.SliceSteps(values, cached-a.cfg.Window, cached)
			a.backend.PutTensor(keys)
			a.backend.PutTensor(values)
			keys, values = evictedK, evictedV
		}
	}

	if err := st.Set(keyCacheKey, keys); err != nil {
		return nil, err
	}
	if err := st.Set(valueCacheKey, values); err != nil {
		return nil, err
	}

	// Absolute position of the oldest cache entry; non-zero only after
	// eviction has discarded history.
	_, cached, _ := keys.Dims()
	kOff := offset + chunk - cached

	ctx := a.backend.Attention(q, keys, values, a.cfg.Heads, a.scale, true, offset, kOff)
	out := a.backend.MatMul(ctx, a.wo)
	a.backend.PutTensor(q)
	a.backend.PutTensor(ctx)

	st.Offset += chunk
	return out, nil
}

// CacheLen returns the number of steps currently held in the key/value cache.
func (a *Attention) CacheLen() int {
	st := a.State()
	if st == nil {
		return 0
	}
	k, ok := st.Get(keyCacheKey)
	if !ok {
		return 0
	}
	_, steps, _ := k.Dims()
	return steps
}

func absolutePositions(start, n int) []int {
	positions := make([]int, n)
	for i := range positions {
		positions[i] = start + i
	}
	return positions
}

// xavierInit initializes a weight tensor with Xavier/Glorot uniform values.
func xavierInit(rng *rand.Rand, w device.Tensor) {
	_, r, c := w.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	w.CopyFrom(data)
}
