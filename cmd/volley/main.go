package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-volley/internal/client"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/gen"
	"github.com/23skdu/longbow-volley/internal/model"
	"github.com/23skdu/longbow-volley/internal/session"
)

var (
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight server (e.g. :9090)")
	sinkAddr      = flag.String("sink", "", "Downstream Flight sink address (e.g. localhost:3000)")
	sessionName   = flag.String("session", "volley_session", "Session path name on the sink")
	maxConcurrent = flag.Int("max-concurrent", 256, "Maximum batch rows admitted concurrently")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")

	flagDim    = flag.Int("dim", 64, "Model width")
	flagHeads  = flag.Int("heads", 4, "Attention heads")
	flagCard   = flag.Int("card", 1024, "Token cardinality per stream")
	flagIn     = flag.Int("in-streams", 1, "External input streams per step")
	flagOut    = flag.Int("out-streams", 2, "Generated output streams per step")
	flagWindow = flag.Int("window", 0, "Attention window in steps (0 = unbounded)")
	flagDelays = flag.String("delays", "0,2", "Comma-separated per-stream delays in steps")
	flagCheck  = flag.Bool("check", false, "Reject ungenerated sentinel tokens in input")
	flagSteps  = flag.Int("steps", 16, "Demo: input steps to run")
	flagBatch  = flag.Int("batch", 1, "Demo: batch size")
	flagSeed   = flag.Int64("seed", 42, "Demo: input token seed")
)

func parseDelays(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	delays := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad delay %q: %w", p, err)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	delays, err := parseDelays(*flagDelays)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad -delays")
	}

	cfg := model.Config{
		InputStreams:  *flagIn,
		OutputStreams: *flagOut,
		Card:          *flagCard,
		Dim:           *flagDim,
		Heads:         *flagHeads,
		Window:        *flagWindow,
		Check:         *flagCheck,
	}
	backend := device.NewCPUBackend()

	var sink *client.FlightClient
	if *sinkAddr != "" {
		sink, err = client.NewFlightClient(*sinkAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		log.Info().Str("addr", *sinkAddr).Msg("Connected to Flight sink")
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
	}

	if *listenAddr != "" {
		var sinkInterface FlightClientInterface
		if sink != nil {
			sinkInterface = sink
		}
		go startServer(*listenAddr, cfg, delays, backend, sinkInterface, *sessionName, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, cfg, delays, backend)
		return
	}

	if *listenAddr != "" {
		select {}
	}

	runDemo(cfg, delays, backend, sink)
}

// runDemo drives one session over seeded random input and writes the
// committed tokens to the sink, or as an Arrow IPC stream on stdout.
func runDemo(cfg model.Config, delays []int, backend device.Backend, sink *client.FlightClient) {
	dec, err := model.New(cfg, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build decoder")
	}
	g, err := gen.New(dec, gen.Config{Delays: delays})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build generator")
	}
	sess := session.New(g)

	if err := sess.Start(*flagBatch); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	ctx := context.Background()
	rng := rand.New(rand.NewSource(*flagSeed))
	start := time.Now()

	var commits []gen.StreamCommit
	for step := 0; step < *flagSteps; step++ {
		input := make([][]int32, *flagBatch)
		for bi := range input {
			input[bi] = make([]int32, cfg.InputStreams)
			for s := range input[bi] {
				input[bi][s] = int32(rng.Intn(cfg.Card))
			}
		}
		out, err := sess.Step(ctx, input)
		if err != nil {
			log.Fatal().Err(err).Int("step", step).Msg("Step failed")
		}
		commits = append(commits, out.Committed...)
	}

	tail, err := sess.End(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Drain failed")
	}
	commits = append(commits, tail...)

	elapsed := time.Since(start)
	log.Info().
		Int("steps", *flagSteps).
		Int("batch", *flagBatch).
		Int("commits", len(commits)).
		Dur("elapsed", elapsed).
		Float64("sps", float64(*flagSteps)/elapsed.Seconds()).
		Msg("Generated token streams")

	pool := memory.NewGoAllocator()
	rec, err := client.NewRecordBatchBuilder(pool).BuildRecordBatch(commits)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record")
	}
	if rec == nil {
		return
	}
	defer rec.Release()

	if sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := sink.DoPut(ctx, *sessionName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Str("session", *sessionName).Msg("Sent commits to sink")
		return
	}

	writer := ipc.NewWriter(os.Stdout, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Warn().Err(err).Msg("Failed to write arrow stream")
		return
	}
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close arrow stream")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("volley"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
