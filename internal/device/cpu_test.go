package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatMul(t *testing.T) {
	b := NewCPUBackend()

	// x: batch=2, steps=1, features=2
	x := b.NewTensor(2, 1, 2, []float32{1, 2, 3, 4})
	// w: (1, 2, 3)
	w := b.NewTensor(1, 2, 3, []float32{
		1, 0, 1,
		0, 1, 1,
	})

	out := b.MatMul(x, w)
	batch, steps, features := out.Dims()
	require.Equal(t, 2, batch)
	require.Equal(t, 1, steps)
	require.Equal(t, 3, features)

	require.InDelta(t, 1.0, out.At(0, 0, 0), 1e-6)
	require.InDelta(t, 2.0, out.At(0, 0, 1), 1e-6)
	require.InDelta(t, 3.0, out.At(0, 0, 2), 1e-6)
	require.InDelta(t, 3.0, out.At(1, 0, 0), 1e-6)
	require.InDelta(t, 4.0, out.At(1, 0, 1), 1e-6)
	require.InDelta(t, 7.0, out.At(1, 0, 2), 1e-6)
}

func TestLookupZeroRowForNegativeID(t *testing.T) {
	b := NewCPUBackend()
	table := b.NewTensor(1, 3, 2, []float32{
		1, 1,
		2, 2,
		3, 3,
	})

	out := b.Lookup(table, [][]int32{{1, -1}})
	require.InDelta(t, 2.0, out.At(0, 0, 0), 1e-6)
	require.InDelta(t, 0.0, out.At(0, 1, 0), 1e-6)
	require.InDelta(t, 0.0, out.At(0, 1, 1), 1e-6)
}

func TestConcatAndSliceSteps(t *testing.T) {
	b := NewCPUBackend()
	x := b.NewTensor(2, 2, 1, []float32{1, 2, 5, 6})
	y := b.NewTensor(2, 1, 1, []float32{3, 7})

	cat := b.ConcatSteps(x, y)
	_, steps, _ := cat.Dims()
	require.Equal(t, 3, steps)
	require.InDelta(t, 3.0, cat.At(0, 2, 0), 1e-6)
	require.InDelta(t, 7.0, cat.At(1, 2, 0), 1e-6)

	tail := b.SliceSteps(cat, 1, 3)
	_, steps, _ = tail.Dims()
	require.Equal(t, 2, steps)
	require.InDelta(t, 2.0, tail.At(0, 0, 0), 1e-6)
	require.InDelta(t, 7.0, tail.At(1, 1, 0), 1e-6)
}

func TestSoftmaxRows(t *testing.T) {
	b := NewCPUBackend()
	x := b.NewTensor(1, 2, 2, []float32{0, 0, 1, 1})
	x.Softmax()

	for s := 0; s < 2; s++ {
		sum := x.At(0, s, 0) + x.At(0, s, 1)
		require.InDelta(t, 1.0, sum, 1e-5)
		require.InDelta(t, 0.5, x.At(0, s, 0), 1e-5)
	}
}

func TestAttentionCausalMasking(t *testing.T) {
	b := NewCPUBackend()

	// Two steps, one head. With causal masking the first query can only see
	// the first key, so its output must equal the first value row exactly.
	q := b.NewTensor(1, 2, 2, []float32{1, 0, 0, 1})
	k := b.NewTensor(1, 2, 2, []float32{1, 0, 0, 1})
	v := b.NewTensor(1, 2, 2, []float32{10, 20, 30, 40})

	out := b.Attention(q, k, v, 1, 1.0, true, 0, 0)
	require.InDelta(t, 10.0, out.At(0, 0, 0), 1e-5)
	require.InDelta(t, 20.0, out.At(0, 0, 1), 1e-5)

	// Second query sees both keys; output is a convex combination.
	require.Greater(t, out.At(0, 1, 0), float32(10))
	require.Less(t, out.At(0, 1, 0), float32(30))
}

func TestApplyRoPEPreservesNorm(t *testing.T) {
	b := NewCPUBackend()
	x := b.NewTensor(1, 1, 4, []float32{1, 2, 3, 4})
	want := math.Sqrt(1 + 4 + 9 + 16)

	x.ApplyRoPE([]int{7}, 2)

	var got float64
	for f := 0; f < 4; f++ {
		got += float64(x.At(0, 0, f)) * float64(x.At(0, 0, f))
	}
	require.InDelta(t, want, math.Sqrt(got), 1e-4)
}

func TestTensorPoolReuse(t *testing.T) {
	b := NewCPUBackend()
	t1 := b.GetTensor(1, 1, 8)
	t1.Fill(3)
	b.PutTensor(t1)

	t2 := b.GetTensor(1, 1, 8)
	// Pooled tensors come back zeroed.
	require.InDelta(t, 0.0, t2.At(0, 0, 0), 1e-6)
}
