package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-volley/internal/client"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/gen"
	"github.com/23skdu/longbow-volley/internal/model"
	"github.com/23skdu/longbow-volley/internal/session"
)

// InputSchema is the wire schema for one input step: one row per batch
// element, tokens holding that element's external input streams.
var InputSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	},
	nil,
)

type VolleyFlightServer struct {
	flight.BaseFlightServer
	cfg     model.Config
	delays  []int
	backend device.Backend
	alloc   memory.Allocator
}

func NewVolleyFlightServer(cfg model.Config, delays []int, backend device.Backend) *VolleyFlightServer {
	return &VolleyFlightServer{
		cfg:     cfg,
		delays:  delays,
		backend: backend,
		alloc:   memory.NewGoAllocator(),
	}
}

func (s *VolleyFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	return fmt.Errorf("DoPut not implemented, use DoExchange")
}

// DoExchange runs one streaming session per call: each incoming record is
// one input step, each outgoing record carries the commits that step
// released. Remaining buffered commits are flushed when input ends.
func (s *VolleyFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.CommitSchema), ipc.WithAllocator(s.alloc))
	defer writer.Close()

	builder := client.NewRecordBatchBuilder(s.alloc)
	ctx := stream.Context()

	var sess *session.Session
	steps := 0
	for reader.Next() {
		input, err := readInputStep(reader.Record(), s.cfg.InputStreams)
		if err != nil {
			return err
		}

		if sess == nil {
			dec, err := model.New(s.cfg, s.backend)
			if err != nil {
				return err
			}
			g, err := gen.New(dec, gen.Config{Delays: s.delays})
			if err != nil {
				return err
			}
			sess = session.New(g)
			if err := sess.Start(len(input)); err != nil {
				return err
			}
			defer sess.Abort()
		}

		out, err := sess.Step(ctx, input)
		if err != nil {
			return err
		}
		steps++

		if err := writeCommits(writer, builder, out.Committed); err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	tail, err := sess.End(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("steps", steps).Int("tail_commits", len(tail)).Msg("DoExchange session drained")
	return writeCommits(writer, builder, tail)
}

func writeCommits(writer *flight.Writer, builder *client.RecordBatchBuilder, commits []gen.StreamCommit) error {
	rec, err := builder.BuildRecordBatch(commits)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()
	return writer.Write(rec)
}

// readInputStep decodes one InputSchema record into a [batch][streams]
// token column.
func readInputStep(rec arrow.RecordBatch, streams int) ([][]int32, error) {
	if rec.NumCols() < 1 {
		return nil, fmt.Errorf("input record has no columns")
	}
	tokens, ok := rec.Column(0).(*array.List)
	if !ok {
		return nil, fmt.Errorf("input column 0 is %s, want list<int32>", rec.Column(0).DataType())
	}
	values := tokens.ListValues().(*array.Int32)

	input := make([][]int32, rec.NumRows())
	for i := range input {
		lo, hi := tokens.ValueOffsets(i)
		if int(hi-lo) != streams {
			return nil, fmt.Errorf("input row %d has %d streams, want %d", i, hi-lo, streams)
		}
		row := make([]int32, 0, streams)
		for j := lo; j < hi; j++ {
			row = append(row, values.Value(int(j)))
		}
		input[i] = row
	}
	return input, nil
}

func StartFlightServer(addr string, cfg model.Config, delays []int, backend device.Backend) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewVolleyFlightServer(cfg, delays, backend))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Volley Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
