package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/streaming"
)

func testConfig() Config {
	return Config{
		InputStreams:  1,
		OutputStreams: 2,
		Card:          17,
		Dim:           8,
		Heads:         2,
	}
}

// randomGrid builds a teacher-forced token grid [batch][streams][steps].
func randomGrid(rng *rand.Rand, cfg Config, batch, steps int) [][][]int32 {
	grid := make([][][]int32, batch)
	for bi := range grid {
		grid[bi] = make([][]int32, cfg.Streams())
		for k := range grid[bi] {
			grid[bi][k] = make([]int32, steps)
			for t := range grid[bi][k] {
				grid[bi][k][t] = int32(rng.Intn(cfg.Card))
			}
		}
	}
	return grid
}

func TestStreamingMatchesOfflineSampling(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewSource(5))
	cfg := testConfig()

	dec, err := New(cfg, backend)
	require.NoError(t, err)

	const batch, steps = 2, 6
	grid := randomGrid(rng, cfg, batch, steps)

	offline, err := dec.Forward(grid)
	require.NoError(t, err)
	require.Len(t, offline, steps)

	require.NoError(t, streaming.Start(dec, batch))
	defer streaming.Stop(dec)

	for s := 0; s < steps; s++ {
		column := make([][]int32, batch)
		for bi := 0; bi < batch; bi++ {
			column[bi] = make([]int32, cfg.Streams())
			for k := 0; k < cfg.Streams(); k++ {
				column[bi][k] = grid[bi][k][s]
			}
		}
		got, err := dec.StepTokens(column)
		require.NoError(t, err)
		require.Equal(t, offline[s], got, "sampled tokens diverge at step %d", s)
	}
}

func TestDecoderTreeStartsChild(t *testing.T) {
	backend := device.NewCPUBackend()
	dec, err := New(testConfig(), backend)
	require.NoError(t, err)

	require.NoError(t, streaming.Start(dec, 1))
	require.True(t, dec.Streaming())
	require.True(t, dec.attn.Streaming())
	require.Equal(t, 1, dec.attn.BatchSize())

	streaming.Stop(dec)
	require.False(t, dec.attn.Streaming())
	require.Nil(t, dec.attn.State())
}

func TestStepTokensValidation(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := testConfig()
	cfg.Check = true
	dec, err := New(cfg, backend)
	require.NoError(t, err)

	_, err = dec.StepTokens([][]int32{{0, 0, 0}})
	require.ErrorIs(t, err, streaming.ErrSessionNotActive)

	require.NoError(t, streaming.Start(dec, 1))
	defer streaming.Stop(dec)

	_, err = dec.StepTokens([][]int32{{0, 0}})
	var cfgErr *streaming.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = dec.StepTokens([][]int32{{0, UngeneratedTokenID, 0}})
	require.ErrorAs(t, err, &cfgErr)

	_, err = dec.StepTokens([][]int32{{0, 0, 0}, {0, 0, 0}})
	var shape *streaming.ShapeError
	require.ErrorAs(t, err, &shape)
}

func TestInitialAndZeroTokensEmbed(t *testing.T) {
	backend := device.NewCPUBackend()
	cfg := testConfig()
	dec, err := New(cfg, backend)
	require.NoError(t, err)

	require.NoError(t, streaming.Start(dec, 1))
	defer streaming.Stop(dec)

	// Initial and zero tokens are valid step inputs.
	column := [][]int32{{cfg.InitialTokenID(), cfg.InitialTokenID(), ZeroTokenID}}
	out, err := dec.StepTokens(column)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0], cfg.OutputStreams)
	for _, tok := range out[0] {
		require.GreaterOrEqual(t, tok, int32(0))
		require.Less(t, tok, int32(cfg.Card))
	}
}
