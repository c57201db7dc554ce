//go:build ignore

package main

import (
	"context"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-volley/internal/client"
	"github.com/23skdu/longbow-volley/internal/gen"
)

// Smoke-checks a running Flight sink by pushing a small commit batch.
//
//	go run scripts/verify_flight.go [addr]
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Flight sink")

	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	commits := []gen.StreamCommit{
		{Stream: 0, Step: 0, Tokens: []int32{17}},
		{Stream: 1, Step: 0, Tokens: []int32{42}},
	}
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(commits)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record")
	}
	defer rec.Release()

	start := time.Now()
	if err := c.DoPut(context.Background(), "verify", rec); err != nil {
		log.Fatal().Err(err).Msg("DoPut failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("commits", len(commits)).Msg("Sink accepted commits")
}
