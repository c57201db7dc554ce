// Package session exposes the user-facing streaming API: one Session owns a
// generator (and through it the whole streaming tree) for the lifetime of a
// single conversation. A tree hosts at most one active session; batching,
// not locking, is the mechanism for serving several conversations at once.
package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-volley/internal/gen"
)

var tracer = otel.Tracer("volley-session")

// StepFunc advances the generator by one input column. It is the seam a
// wrapper (capture, replay, instrumentation) can interpose on without
// changing session output.
type StepFunc func(input [][]int32) (*gen.StepOutput, error)

// Option configures a Session at construction time.
type Option func(*Session)

// WithStepWrapper installs a wrapper around the generator step. Wrappers
// compose in the order given, outermost first.
func WithStepWrapper(wrap func(StepFunc) StepFunc) Option {
	return func(s *Session) {
		s.step = wrap(s.step)
	}
}

// Session drives one streaming conversation over a generator.
type Session struct {
	g     *gen.Generator
	step  StepFunc
	batch int
	start time.Time
}

// New builds a session around gen. The generator must be idle or closed.
func New(g *gen.Generator, opts ...Option) *Session {
	s := &Session{g: g, step: g.Step}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the session at the given batch size, initializing state for
// every component in the tree. Re-entrant Start fails with ConfigError.
func (s *Session) Start(batchSize int) error {
	if err := s.g.Start(batchSize); err != nil {
		return err
	}
	s.batch = batchSize
	s.start = time.Now()
	activeSessions.Inc()
	log.Info().Int("batch", batchSize).Msg("session started")
	return nil
}

// Step feeds one column of input tokens, shaped [batch][InputStreams], and
// returns the commits the delay constraints allow plus the current sync
// step. ErrSessionNotActive outside an active session.
func (s *Session) Step(ctx context.Context, input [][]int32) (*gen.StepOutput, error) {
	_, span := tracer.Start(ctx, "session.Step")
	defer span.End()

	begin := time.Now()
	out, err := s.step(input)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	stepDuration.Observe(time.Since(begin).Seconds())
	span.SetAttributes(
		attribute.Int("session.sync_step", out.SyncStep),
		attribute.Int("session.commits", len(out.Committed)),
	)
	return out, nil
}

// End drains the generator, returning every remaining buffered commit in
// stream order, and closes the session. Partial output is never dropped.
func (s *Session) End(ctx context.Context) ([]gen.StreamCommit, error) {
	_, span := tracer.Start(ctx, "session.End")
	defer span.End()

	commits, err := s.g.Drain()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	activeSessions.Dec()
	log.Info().
		Int("batch", s.batch).
		Int("steps", s.g.Steps()).
		Dur("elapsed", time.Since(s.start)).
		Msg("session ended")
	return commits, nil
}

// Abort closes the session without draining, discarding buffered output.
func (s *Session) Abort() {
	if !s.Active() {
		return
	}
	s.g.Close()
	activeSessions.Dec()
	log.Info().Int("batch", s.batch).Msg("session aborted")
}

// Reset rewinds the session to step zero at the same batch size, keeping it
// active. ErrSessionNotActive outside an active session.
func (s *Session) Reset() error {
	return s.g.Reset()
}

// Active reports whether the session is accepting steps.
func (s *Session) Active() bool {
	return s.g.Phase() == gen.PhaseStreaming
}

// Steps returns the number of input columns consumed so far.
func (s *Session) Steps() int { return s.g.Steps() }
