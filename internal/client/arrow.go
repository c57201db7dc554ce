package client

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-volley/internal/gen"
)

// CommitSchema is the wire schema for committed tokens: one row per
// (stream, step) commit, tokens holding the batch column for that step.
var CommitSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "stream", Type: arrow.PrimitiveTypes.Int32},
		{Name: "step", Type: arrow.PrimitiveTypes.Int64},
		{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	},
	nil,
)

// RecordBatchBuilder converts generator commits into Arrow RecordBatches.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts a slice of commits into a RecordBatch using
// CommitSchema. Returns nil for empty input.
func (b *RecordBatchBuilder) BuildRecordBatch(commits []gen.StreamCommit) (arrow.RecordBatch, error) {
	if len(commits) == 0 {
		return nil, nil
	}

	streamBuilder := array.NewInt32Builder(b.mem)
	defer streamBuilder.Release()
	stepBuilder := array.NewInt64Builder(b.mem)
	defer stepBuilder.Release()
	tokensBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer tokensBuilder.Release()
	valueBuilder := tokensBuilder.ValueBuilder().(*array.Int32Builder)

	for _, c := range commits {
		streamBuilder.Append(int32(c.Stream))
		stepBuilder.Append(int64(c.Step))
		tokensBuilder.Append(true)
		valueBuilder.AppendValues(c.Tokens, nil)
	}

	cols := []arrow.Array{
		streamBuilder.NewArray(),
		stepBuilder.NewArray(),
		tokensBuilder.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(CommitSchema, cols, int64(len(commits))), nil
}

// ReadCommits decodes a CommitSchema record back into commits.
func ReadCommits(rec arrow.RecordBatch) []gen.StreamCommit {
	streams := rec.Column(0).(*array.Int32)
	steps := rec.Column(1).(*array.Int64)
	tokens := rec.Column(2).(*array.List)
	values := tokens.ListValues().(*array.Int32)

	commits := make([]gen.StreamCommit, rec.NumRows())
	for i := range commits {
		lo, hi := tokens.ValueOffsets(i)
		toks := make([]int32, 0, hi-lo)
		for j := lo; j < hi; j++ {
			toks = append(toks, values.Value(int(j)))
		}
		commits[i] = gen.StreamCommit{
			Stream: int(streams.Value(i)),
			Step:   int(steps.Value(i)),
			Tokens: toks,
		}
	}
	return commits
}
