package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/gen"
	"github.com/23skdu/longbow-volley/internal/model"
	"github.com/23skdu/longbow-volley/internal/streaming"
)

func testGenerator(t *testing.T, delays []int) *gen.Generator {
	t.Helper()
	dec, err := model.New(model.Config{
		InputStreams:  1,
		OutputStreams: len(delays),
		Card:          11,
		Dim:           8,
		Heads:         2,
	}, device.NewCPUBackend())
	require.NoError(t, err)
	g, err := gen.New(dec, gen.Config{Delays: delays})
	require.NoError(t, err)
	return g
}

func TestSessionLifecycle(t *testing.T) {
	s := New(testGenerator(t, []int{0, 2}))
	ctx := context.Background()

	_, err := s.Step(ctx, [][]int32{{0}})
	require.ErrorIs(t, err, streaming.ErrSessionNotActive)

	require.NoError(t, s.Start(1))
	require.True(t, s.Active())

	var cfg *streaming.ConfigError
	require.ErrorAs(t, s.Start(1), &cfg)

	for i := 0; i < 5; i++ {
		out, err := s.Step(ctx, [][]int32{{int32(i)}})
		require.NoError(t, err)
		if i < 2 {
			require.Equal(t, -1, out.SyncStep)
		} else {
			require.Equal(t, i-2, out.SyncStep)
		}
	}
	require.Equal(t, 5, s.Steps())

	commits, err := s.End(ctx)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	require.False(t, s.Active())

	_, err = s.End(ctx)
	require.ErrorIs(t, err, streaming.ErrSessionNotActive)
}

func TestSessionReset(t *testing.T) {
	s := New(testGenerator(t, []int{0}))
	ctx := context.Background()

	require.ErrorIs(t, s.Reset(), streaming.ErrSessionNotActive)

	require.NoError(t, s.Start(1))
	first, err := s.Step(ctx, [][]int32{{4}})
	require.NoError(t, err)

	_, err = s.Step(ctx, [][]int32{{5}})
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	require.Equal(t, 0, s.Steps())
	require.True(t, s.Active())

	again, err := s.Step(ctx, [][]int32{{4}})
	require.NoError(t, err)
	require.Equal(t, first.Committed, again.Committed)
	s.Abort()
}

func TestStepWrapperSeesEveryStep(t *testing.T) {
	g := testGenerator(t, []int{0, 1})

	var calls int
	s := New(g, WithStepWrapper(func(next StepFunc) StepFunc {
		return func(input [][]int32) (*gen.StepOutput, error) {
			calls++
			return next(input)
		}
	}))
	ctx := context.Background()

	require.NoError(t, s.Start(2))
	for i := 0; i < 3; i++ {
		_, err := s.Step(ctx, [][]int32{{1}, {2}})
		require.NoError(t, err)
	}
	require.Equal(t, 3, calls)

	// A wrapper must not change output: replay the same input on an
	// unwrapped session and compare.
	plain := New(testGenerator(t, []int{0, 1}))
	require.NoError(t, plain.Start(2))
	require.NoError(t, s.Reset())
	for i := 0; i < 3; i++ {
		a, err := s.Step(ctx, [][]int32{{1}, {2}})
		require.NoError(t, err)
		b, err := plain.Step(ctx, [][]int32{{1}, {2}})
		require.NoError(t, err)
		require.Equal(t, b.Committed, a.Committed)
	}
	s.Abort()
	plain.Abort()
}

func TestAbortIdempotent(t *testing.T) {
	s := New(testGenerator(t, []int{0}))
	require.NoError(t, s.Start(1))
	s.Abort()
	s.Abort()
	require.False(t, s.Active())
}
