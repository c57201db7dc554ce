// Package gen converts a multi-stream decoder into a step-synchronized
// generator that defers output commitment per stream: a stream with delay d
// finalizes its token for step t only once step t+d has been computed, so
// later model outputs can still influence when earlier steps become visible.
// Offline (full sequence) execution needs none of this buffering; it exists
// only for incremental execution.
package gen

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-volley/internal/model"
	"github.com/23skdu/longbow-volley/internal/streaming"
)

// ErrDelayViolation is returned when a stream's configured delay exceeds the
// delay buffer depth.
var ErrDelayViolation = errors.New("gen: stream delay exceeds buffer depth")

// Phase is the generator's session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreaming:
		return "streaming"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the static configuration of a generator.
type Config struct {
	// Delays is the per-output-stream commit delay, in steps. Immutable for
	// the life of the generator.
	Delays []int

	// BufferDepth bounds every delay buffer. 0 defaults to max(Delays)+2.
	BufferDepth int

	// Pad is the filler token emitted while draining for positions that were
	// never computed.
	Pad int32
}

// StreamCommit is one stream's finalized output for one step: one token per
// batch row. Once emitted it cannot be revised.
type StreamCommit struct {
	Stream int
	Step   int
	Tokens []int32
}

// StepOutput reports the commits finalized by a single Step call.
type StepOutput struct {
	// Committed holds the newly finalized per-stream outputs, oldest first.
	Committed []StreamCommit

	// SyncStep is the newest step index committed by every stream, -1 while
	// the delays are still filling. Only up to SyncStep is the generator's
	// output complete across streams.
	SyncStep int
}

// Generator drives a decoder one step at a time, buffering each stream's raw
// outputs until its delay constraint is satisfiable.
type Generator struct {
	dec *model.Decoder
	cfg Config

	maxDelay int
	phase    Phase
	batch    int
	offset   int // number of steps computed so far

	prev    [][]int32 // previous step's sampled outputs, fed back as input
	buffers []*delayBuffer
}

// New creates a generator over dec. Fails with ErrDelayViolation when any
// stream's delay does not fit in the buffer depth.
func New(dec *model.Decoder, cfg Config) (*Generator, error) {
	if len(cfg.Delays) != dec.Config().OutputStreams {
		return nil, &streaming.ConfigError{
			Reason: fmt.Sprintf("%d delays configured for %d output streams", len(cfg.Delays), dec.Config().OutputStreams),
		}
	}
	maxDelay := 0
	for s, d := range cfg.Delays {
		if d < 0 {
			return nil, &streaming.ConfigError{Reason: fmt.Sprintf("stream %d has negative delay %d", s, d)}
		}
		if d > maxDelay {
			maxDelay = d
		}
	}
	if cfg.BufferDepth == 0 {
		cfg.BufferDepth = maxDelay + 2
	}
	for s, d := range cfg.Delays {
		if d >= cfg.BufferDepth {
			return nil, fmt.Errorf("%w: stream %d delay %d, depth %d", ErrDelayViolation, s, d, cfg.BufferDepth)
		}
	}

	g := &Generator{
		dec:      dec,
		cfg:      cfg,
		maxDelay: maxDelay,
	}
	for _, d := range cfg.Delays {
		g.buffers = append(g.buffers, newDelayBuffer(d, cfg.BufferDepth))
	}
	return g, nil
}

// Phase returns the generator's current session phase.
func (g *Generator) Phase() Phase { return g.phase }

// MaxDelay returns the largest configured stream delay.
func (g *Generator) MaxDelay() int { return g.maxDelay }

// Steps returns the number of steps computed in the current session.
func (g *Generator) Steps() int { return g.offset }

// Start opens a streaming session: the whole decoder tree enters streaming
// mode and the feedback column is seeded with initial tokens.
func (g *Generator) Start(batchSize int) error {
	if g.phase == PhaseStreaming || g.phase == PhaseDraining {
		return &streaming.ConfigError{Reason: "generator session already active"}
	}
	if err := streaming.Start(g.dec, batchSize); err != nil {
		return err
	}

	g.phase = PhaseStreaming
	g.batch = batchSize
	g.offset = 0
	g.prev = initialOutputs(batchSize, g.dec.Config())
	for _, b := range g.buffers {
		b.reset()
	}
	log.Info().Int("batch", batchSize).Ints("delays", g.cfg.Delays).Msg("generator session started")
	return nil
}

// Step feeds one step of external input tokens, shaped
// [batch][InputStreams], and returns whatever commits the per-stream delay
// constraints allow.
func (g *Generator) Step(input [][]int32) (*StepOutput, error) {
	if g.phase != PhaseStreaming {
		return nil, streaming.ErrSessionNotActive
	}
	if len(input) != g.batch {
		return nil, &streaming.ShapeError{Component: "generator", Key: "input", Want: g.batch, Got: len(input)}
	}

	inStreams := g.dec.Config().InputStreams
	column := make([][]int32, g.batch)
	for bi := 0; bi < g.batch; bi++ {
		if len(input[bi]) != inStreams {
			return nil, &streaming.ConfigError{
				Reason: fmt.Sprintf("input row %d has %d streams, want %d", bi, len(input[bi]), inStreams),
			}
		}
		column[bi] = append(append([]int32{}, g.prev[bi]...), input[bi]...)
	}

	sampled, err := g.dec.StepTokens(column)
	if err != nil {
		return nil, err
	}

	step := g.offset
	for s, b := range g.buffers {
		tokens := make([]int32, g.batch)
		for bi := 0; bi < g.batch; bi++ {
			tokens[bi] = sampled[bi][s]
		}
		if err := b.push(step, tokens); err != nil {
			return nil, err
		}
	}
	g.prev = sampled
	g.offset++

	out := &StepOutput{SyncStep: -1}
	for s, b := range g.buffers {
		for b.ready(step) {
			cstep, tokens := b.pop()
			out.Committed = append(out.Committed, StreamCommit{Stream: s, Step: cstep, Tokens: tokens})
			commitsTotal.WithLabelValues(strconv.Itoa(s)).Inc()
		}
	}
	out.SyncStep = g.syncStep()
	return out, nil
}

// Drain flushes every remaining buffered candidate after input is exhausted,
// filling positions that were never computed with the pad token, and closes
// the session. Every buffered step is emitted before the generator reaches
// Closed; partial output is never dropped.
func (g *Generator) Drain() ([]StreamCommit, error) {
	if g.phase != PhaseStreaming {
		return nil, streaming.ErrSessionNotActive
	}
	g.phase = PhaseDraining

	last := g.offset - 1
	var commits []StreamCommit
	for s, b := range g.buffers {
		for step := b.head; step <= last; step++ {
			tokens := b.take(step)
			if tokens == nil {
				tokens = padTokens(g.batch, g.cfg.Pad)
			}
			commits = append(commits, StreamCommit{Stream: s, Step: step, Tokens: tokens})
			commitsTotal.WithLabelValues(strconv.Itoa(s)).Inc()
		}
	}

	g.close()
	log.Info().Int("commits", len(commits)).Msg("generator session drained")
	return commits, nil
}

// Close abandons the session without draining, releasing all state.
func (g *Generator) Close() {
	if g.phase == PhaseIdle || g.phase == PhaseClosed {
		return
	}
	g.close()
}

func (g *Generator) close() {
	streaming.Stop(g.dec)
	g.phase = PhaseClosed
	g.prev = nil
	g.batch = 0
	for _, b := range g.buffers {
		b.reset()
	}
}

// Reset re-initializes the decoder tree state for a fresh session of equal
// batch size, staying in streaming mode.
func (g *Generator) Reset() error {
	if g.phase != PhaseStreaming {
		return streaming.ErrSessionNotActive
	}
	if err := streaming.Reset(g.dec); err != nil {
		return err
	}
	g.offset = 0
	g.prev = initialOutputs(g.batch, g.dec.Config())
	for _, b := range g.buffers {
		b.reset()
	}
	return nil
}

// syncStep returns the newest step committed by every stream.
func (g *Generator) syncStep() int {
	sync := g.offset // upper bound
	for _, b := range g.buffers {
		if b.head-1 < sync {
			sync = b.head - 1
		}
	}
	return sync
}

func initialOutputs(batch int, cfg model.Config) [][]int32 {
	prev := make([][]int32, batch)
	for bi := range prev {
		prev[bi] = make([]int32, cfg.OutputStreams)
		for s := range prev[bi] {
			prev[bi][s] = cfg.InitialTokenID()
		}
	}
	return prev
}

func padTokens(batch int, pad int32) []int32 {
	tokens := make([]int32, batch)
	for i := range tokens {
		tokens[i] = pad
	}
	return tokens
}
