package attention

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/streaming"
)

func randomTensor(b device.Backend, rng *rand.Rand, batch, steps, features int) device.Tensor {
	data := make([]float32, batch*steps*features)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return b.NewTensor(batch, steps, features, data)
}

func requireTensorsClose(t *testing.T, want, got device.Tensor, tol float64) {
	t.Helper()
	wb, ws, wf := want.Dims()
	gb, gs, gf := got.Dims()
	require.Equal(t, wb, gb)
	require.Equal(t, ws, gs)
	require.Equal(t, wf, gf)
	for b := 0; b < wb; b++ {
		for s := 0; s < ws; s++ {
			for f := 0; f < wf; f++ {
				require.InDelta(t, want.At(b, s, f), got.At(b, s, f), tol,
					"mismatch at (%d,%d,%d)", b, s, f)
			}
		}
	}
}

func TestStreamingMatchesOffline(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(42))

	for _, useRoPE := range []bool{false, true} {
		attn, err := New(Config{Dim: 8, Heads: 2, Causal: true, RoPE: useRoPE}, backend)
		require.NoError(t, err)

		const batch, steps = 2, 6
		x := randomTensor(backend, rng, batch, steps, 8)
		offline := attn.Forward(x)

		require.NoError(t, streaming.Start(attn, batch))
		var streamed device.Tensor
		for s := 0; s < steps; s++ {
			stepIn := backend.SliceSteps(x, s, s+1)
			out, err := attn.Step(stepIn)
			require.NoError(t, err)
			if streamed == nil {
				streamed = out
			} else {
				streamed = backend.ConcatSteps(streamed, out)
			}
		}
		streaming.Stop(attn)

		requireTensorsClose(t, offline, streamed, 1e-4)
	}
}

func TestCacheGrowthUnbounded(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(7))
	attn, err := New(Config{Dim: 8, Heads: 2, Causal: true}, backend)
	require.NoError(t, err)

	const steps = 10
	x := randomTensor(backend, rng, 1, steps, 8)
	offline := attn.Forward(x)

	require.NoError(t, streaming.Start(attn, 1))
	var last device.Tensor
	for s := 0; s < steps; s++ {
		out, err := attn.Step(backend.SliceSteps(x, s, s+1))
		require.NoError(t, err)
		last = out
	}
	require.Equal(t, steps, attn.CacheLen())

	// Output at step 10 equals the offline attention causally restricted to
	// the first 10 positions, i.e. the offline output's last step.
	want := backend.SliceSteps(offline, steps-1, steps)
	requireTensorsClose(t, want, last, 1e-4)
	streaming.Stop(attn)
}

func TestWindowedCacheEvicts(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(11))
	attn, err := New(Config{Dim: 8, Heads: 2, Causal: true, Window: 4, RoPE: true}, backend)
	require.NoError(t, err)

	require.NoError(t, streaming.Start(attn, 1))
	for s := 0; s < 9; s++ {
		_, err := attn.Step(randomTensor(backend, rng, 1, 1, 8))
		require.NoError(t, err)
	}
	require.Equal(t, 4, attn.CacheLen())
	require.Equal(t, 9, attn.State().Offset)
	streaming.Stop(attn)
}

func TestBatchRowsAreIsolated(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(3))
	attn, err := New(Config{Dim: 8, Heads: 2, Causal: true}, backend)
	require.NoError(t, err)

	const steps = 5
	rowA := randomTensor(backend, rng, 1, steps, 8)
	rowB := randomTensor(backend, rng, 1, steps, 8)

	// Batched session over two divergent rows.
	require.NoError(t, streaming.Start(attn, 2))
	var batched device.Tensor
	for s := 0; s < steps; s++ {
		stepIn := backend.GetTensor(2, 1, 8)
		for f := 0; f < 8; f++ {
			stepIn.Set(0, 0, f, rowA.At(0, s, f))
			stepIn.Set(1, 0, f, rowB.At(0, s, f))
		}
		out, err := attn.Step(stepIn)
		require.NoError(t, err)
		if batched == nil {
			batched = out
		} else {
			batched = backend.ConcatSteps(batched, out)
		}
	}
	streaming.Stop(attn)

	// Single-row session over row A only.
	require.NoError(t, streaming.Start(attn, 1))
	var solo device.Tensor
	for s := 0; s < steps; s++ {
		out, err := attn.Step(backend.SliceSteps(rowA, s, s+1))
		require.NoError(t, err)
		if solo == nil {
			solo = out
		} else {
			solo = backend.ConcatSteps(solo, out)
		}
	}
	streaming.Stop(attn)

	// Row 0 of the batched run depends only on row A's history.
	for s := 0; s < steps; s++ {
		for f := 0; f < 8; f++ {
			require.InDelta(t, solo.At(0, s, f), batched.At(0, s, f), 1e-4)
		}
	}
}

func TestStepOutsideSessionFails(t *testing.T) {
	backend := device.NewCPUBackend()
	attn, err := New(Config{Dim: 4, Heads: 1, Causal: true}, backend)
	require.NoError(t, err)

	_, err = attn.Step(backend.NewTensor(1, 1, 4, nil))
	require.ErrorIs(t, err, streaming.ErrSessionNotActive)
}

func TestStepRejectsBatchMismatch(t *testing.T) {
	backend := device.NewCPUBackend()
	attn, err := New(Config{Dim: 4, Heads: 1, Causal: true}, backend)
	require.NoError(t, err)

	require.NoError(t, streaming.Start(attn, 2))
	defer streaming.Stop(attn)

	_, err = attn.Step(backend.NewTensor(3, 1, 4, nil))
	var shape *streaming.ShapeError
	require.ErrorAs(t, err, &shape)
	require.Equal(t, 2, shape.Want)
	require.Equal(t, 3, shape.Got)
}

func TestConfigValidation(t *testing.T) {
	backend := device.NewCPUBackend()

	_, err := New(Config{Dim: 6, Heads: 4}, backend)
	var cfg *streaming.ConfigError
	require.ErrorAs(t, err, &cfg)

	_, err = New(Config{Dim: 4, Heads: 4, RoPE: true}, backend)
	require.ErrorAs(t, err, &cfg)
}
