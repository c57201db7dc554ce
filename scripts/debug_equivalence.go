//go:build ignore

package main

import (
	"flag"
	"math/rand"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/model"
	"github.com/23skdu/longbow-volley/internal/streaming"
)

// Compares step-by-step decoding against the offline forward pass on random
// teacher-forced input and reports the first token mismatch, if any.
//
//	go run scripts/debug_equivalence.go -steps 32
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	steps := flag.Int("steps", 16, "Input steps to compare")
	batch := flag.Int("batch", 2, "Batch size")
	seed := flag.Int64("seed", 7, "Input token seed")
	flag.Parse()

	cfg := model.Config{
		InputStreams:  1,
		OutputStreams: 2,
		Card:          64,
		Dim:           32,
		Heads:         4,
	}
	backend := device.NewCPUBackend()

	dec, err := model.New(cfg, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build decoder")
	}

	// grid is stream-major per batch row (what Forward takes); columns are
	// the per-step view StepTokens consumes.
	rng := rand.New(rand.NewSource(*seed))
	grid := make([][][]int32, *batch)
	for bi := range grid {
		grid[bi] = make([][]int32, cfg.Streams())
		for k := range grid[bi] {
			grid[bi][k] = make([]int32, *steps)
			for t := range grid[bi][k] {
				grid[bi][k][t] = int32(rng.Intn(cfg.Card))
			}
		}
	}
	columns := make([][][]int32, *steps)
	for t := range columns {
		columns[t] = make([][]int32, *batch)
		for bi := range columns[t] {
			row := make([]int32, cfg.Streams())
			for k := range row {
				row[k] = grid[bi][k][t]
			}
			columns[t][bi] = row
		}
	}

	offline, err := dec.Forward(grid)
	if err != nil {
		log.Fatal().Err(err).Msg("Offline forward failed")
	}

	if err := streaming.Start(dec, *batch); err != nil {
		log.Fatal().Err(err).Msg("Failed to start streaming")
	}
	defer streaming.Stop(dec)

	mismatches := 0
	for t := 0; t < *steps; t++ {
		sampled, err := dec.StepTokens(columns[t])
		if err != nil {
			log.Fatal().Err(err).Int("step", t).Msg("Step failed")
		}
		for bi := 0; bi < *batch; bi++ {
			for s := 0; s < cfg.OutputStreams; s++ {
				if sampled[bi][s] != offline[t][bi][s] {
					mismatches++
					log.Error().
						Int("step", t).
						Int("batch", bi).
						Int("stream", s).
						Int32("streaming", sampled[bi][s]).
						Int32("offline", offline[t][bi][s]).
						Msg("Token mismatch")
				}
			}
		}
	}

	if mismatches == 0 {
		log.Info().Int("steps", *steps).Int("batch", *batch).Msg("Streaming matches offline")
		return
	}
	log.Fatal().Int("mismatches", mismatches).Msg("Streaming diverged from offline")
}
