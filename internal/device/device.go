package device

// Tensor represents a batch-first three dimensional array of float32 values.
// The leading axis is always the batch axis; the second axis indexes time
// steps and the third axis indexes features (or attention targets, for score
// tensors). Weight matrices are represented as tensors with batch size 1.
type Tensor interface {
	// Dims returns the (batch, steps, features) dimensions of the tensor.
	Dims() (int, int, int)

	// At returns the value at (b, t, f).
	// This is often slow and should be used for debugging or infrequent access.
	At(b, t, f int) float32

	// Set sets the value at (b, t, f).
	Set(b, t, f int, v float32)

	// Data returns the underlying row-major slice if host resident (nil otherwise).
	Data() []float32

	// CopyFrom copies data from a Go slice into the tensor.
	CopyFrom(data []float32)

	// Fill sets every element to v.
	Fill(v float32)

	// Add performs element-wise addition: t = t + other.
	Add(other Tensor)

	// Scale performs: t = t * v.
	Scale(v float32)

	// Softmax normalizes the trailing axis in-place.
	Softmax()

	// LayerNorm performs layer normalization over the trailing axis (in-place).
	// gamma and beta have shape (1, 1, features).
	LayerNorm(gamma, beta Tensor, eps float32)

	// ApplyRoPE applies rotary positional embeddings in-place. positions holds
	// the absolute position of every step, so callers that evict history can
	// keep rotations anchored to the original timeline.
	ApplyRoPE(positions []int, numHeads int)
}

// Backend creates tensors and provides the fused numeric operations the
// streaming core delegates to. Implementations may live on CPU or accelerator
// devices; the core only relies on the batch-first shape contract.
type Backend interface {
	Name() string

	// NewTensor allocates a (batch, steps, features) tensor, copying data when
	// non-nil. len(data) must equal batch*steps*features.
	NewTensor(batch, steps, features int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(batch, steps, features int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// MatMul computes x · w where w is a weight tensor of shape (1, f, out).
	// The result has shape (batch, steps, out).
	MatMul(x, w Tensor) Tensor

	// Lookup gathers rows of an embedding table of shape (1, vocab, features)
	// for per-step token ids. Negative ids produce zero rows, so callers can
	// mark "no input" positions without a dedicated vocabulary entry.
	Lookup(table Tensor, ids [][]int32) Tensor

	// ConcatSteps concatenates a and b along the step axis.
	ConcatSteps(a, b Tensor) Tensor

	// SliceSteps copies steps [lo, hi) of x into a new tensor.
	SliceSteps(x Tensor, lo, hi int) Tensor

	// Attention computes softmax(q·kᵀ·scale)·v independently per batch row and
	// head. q has shape (batch, qSteps, dim); k and v (batch, kSteps, dim),
	// with dim divisible by heads. When causal, the key at absolute position
	// kOff+j is masked for the query at absolute position qOff+i whenever
	// kOff+j > qOff+i.
	Attention(q, k, v Tensor, heads int, scale float32, causal bool, qOff, kOff int) Tensor
}
