// Package model implements a small multi-stream autoregressive decoder: a
// shared temporal attention trunk over the summed embeddings of every token
// stream, followed by one output head per generated stream, each conditioned
// on the previous stream's token sampled within the same step.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-volley/internal/attention"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/streaming"
)

// Special token ids understood by the decoder. Negative values never hit an
// embedding table row.
const (
	// ZeroTokenID marks "no input" positions; the embedding contribution is an
	// all-zero vector.
	ZeroTokenID int32 = -1

	// UngeneratedTokenID marks positions whose value has not been produced
	// yet. Feeding one to the decoder is a bug; Check mode asserts against it.
	UngeneratedTokenID int32 = -2
)

var _ streaming.Streamer = (*Decoder)(nil)

// Config holds the static configuration of a decoder.
type Config struct {
	// InputStreams is the number of externally supplied token streams.
	InputStreams int
	// OutputStreams is the number of generated token streams.
	OutputStreams int
	// Card is the per-stream vocabulary size. Token id Card is reserved for
	// the initial (start of sequence) token.
	Card int

	Dim   int
	Heads int
	// Window caps the attention cache (0 = unbounded, exact).
	Window int

	// Check asserts that no ungenerated token id is ever fed to the decoder.
	Check bool
}

// Streams returns the total number of token streams per step column.
func (c Config) Streams() int {
	return c.InputStreams + c.OutputStreams
}

// InitialTokenID is the start-of-sequence token id.
func (c Config) InitialTokenID() int32 {
	return int32(c.Card)
}

// Decoder is the concrete streamable component tree used by the delayed
// generator: per-stream embeddings feeding a cached-attention trunk, a final
// layer norm, and chained greedy output heads.
type Decoder struct {
	streaming.Node

	cfg     Config
	backend device.Backend

	embed []device.Tensor // per total stream, (1, Card+1, Dim)
	attn  *attention.Attention
	gamma device.Tensor
	beta  device.Tensor

	headEmb []device.Tensor // chain conditioning tables, per output stream
	heads   []device.Tensor // output projections, (1, Dim, Card)
}

// New creates a decoder with Xavier-initialized weights.
func New(cfg Config, backend device.Backend) (*Decoder, error) {
	if cfg.InputStreams < 0 || cfg.OutputStreams <= 0 {
		return nil, &streaming.ConfigError{Reason: "decoder needs at least one output stream"}
	}
	if cfg.Card <= 0 || cfg.Dim <= 0 {
		return nil, &streaming.ConfigError{Reason: "decoder card and dim must be positive"}
	}

	attn, err := attention.New(attention.Config{
		Dim:    cfg.Dim,
		Heads:  cfg.Heads,
		Causal: true,
		Window: cfg.Window,
	}, backend)
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		cfg:     cfg,
		backend: backend,
		attn:    attn,
		gamma:   backend.NewTensor(1, 1, cfg.Dim, ones(cfg.Dim)),
		beta:    backend.NewTensor(1, 1, cfg.Dim, nil),
	}

	rng := rand.New(rand.NewSource(1))
	for k := 0; k < cfg.Streams(); k++ {
		d.embed = append(d.embed, newXavier(backend, rng, cfg.Card+1, cfg.Dim))
	}
	for s := 0; s < cfg.OutputStreams; s++ {
		// The last stream's token is never an input to a later head.
		if s < cfg.OutputStreams-1 {
			d.headEmb = append(d.headEmb, newXavier(backend, rng, cfg.Card+1, cfg.Dim))
		}
		d.heads = append(d.heads, newXavier(backend, rng, cfg.Dim, cfg.Card))
	}
	return d, nil
}

func (d *Decoder) Name() string { return "decoder" }

func (d *Decoder) Children() []streaming.Streamer {
	return []streaming.Streamer{d.attn}
}

// InitState returns an empty container: the decoder itself is stateless, all
// incremental state lives in the attention child.
func (d *Decoder) InitState(batchSize int) (*streaming.State, error) {
	return streaming.NewState(batchSize), nil
}

// Config returns the decoder's static configuration.
func (d *Decoder) Config() Config { return d.cfg }

// StepTokens consumes one step column of tokens, shaped [batch][Streams()]
// with output streams first, and returns the greedily sampled token for every
// output stream, shaped [batch][OutputStreams].
func (d *Decoder) StepTokens(column [][]int32) ([][]int32, error) {
	if !d.Streaming() {
		return nil, streaming.ErrSessionNotActive
	}
	batch := d.BatchSize()
	if len(column) != batch {
		return nil, &streaming.ShapeError{Component: d.Name(), Key: "input", Want: batch, Got: len(column)}
	}
	for _, row := range column {
		if len(row) != d.cfg.Streams() {
			return nil, &streaming.ConfigError{
				Reason: fmt.Sprintf("step column has %d streams, want %d", len(row), d.cfg.Streams()),
			}
		}
	}
	if d.cfg.Check {
		for bi, row := range column {
			for k, id := range row {
				if id == UngeneratedTokenID {
					return nil, &streaming.ConfigError{
						Reason: fmt.Sprintf("ungenerated token fed to decoder at row %d stream %d", bi, k),
					}
				}
			}
		}
	}

	x := d.embedColumn(column)
	h, err := d.attn.Step(x)
	if err != nil {
		return nil, err
	}
	d.backend.PutTensor(x)
	h.LayerNorm(d.gamma, d.beta, 1e-5)

	out := d.sampleHeads(h)
	d.backend.PutTensor(h)
	stepsTotal.Inc()
	return out, nil
}

// Forward runs the decoder offline over a full token grid, shaped
// [batch][Streams()][steps], and returns the sampled output tokens per step,
// shaped [steps][batch][OutputStreams]. It performs no cache access and is
// the reference the streaming path must reproduce.
func (d *Decoder) Forward(tokens [][][]int32) ([][][]int32, error) {
	batch := len(tokens)
	if batch == 0 {
		return nil, &streaming.ConfigError{Reason: "offline forward needs at least one batch row"}
	}
	for bi, row := range tokens {
		if len(row) != d.cfg.Streams() {
			return nil, &streaming.ConfigError{
				Reason: fmt.Sprintf("token grid row %d has %d streams, want %d", bi, len(row), d.cfg.Streams()),
			}
		}
	}
	steps := len(tokens[0][0])

	// Sum embeddings over streams for the full sequence.
	var x device.Tensor
	ids := make([][]int32, batch)
	for k := 0; k < d.cfg.Streams(); k++ {
		for bi := 0; bi < batch; bi++ {
			ids[bi] = tokens[bi][k]
		}
		emb := d.backend.Lookup(d.embed[k], ids)
		if x == nil {
			x = emb
		} else {
			x.Add(emb)
			d.backend.PutTensor(emb)
		}
	}

	h := d.attn.Forward(x)
	d.backend.PutTensor(x)
	h.LayerNorm(d.gamma, d.beta, 1e-5)

	out := make([][][]int32, steps)
	for t := 0; t < steps; t++ {
		ht := d.backend.SliceSteps(h, t, t+1)
		out[t] = d.sampleHeads(ht)
		d.backend.PutTensor(ht)
	}
	d.backend.PutTensor(h)
	return out, nil
}

// embedColumn sums the per-stream embeddings of a single step column into a
// (batch, 1, dim) tensor.
func (d *Decoder) embedColumn(column [][]int32) device.Tensor {
	batch := len(column)
	var x device.Tensor
	ids := make([][]int32, batch)
	for k := 0; k < d.cfg.Streams(); k++ {
		for bi := 0; bi < batch; bi++ {
			ids[bi] = []int32{column[bi][k]}
		}
		emb := d.backend.Lookup(d.embed[k], ids)
		if x == nil {
			x = emb
		} else {
			x.Add(emb)
			d.backend.PutTensor(emb)
		}
	}
	return x
}

// sampleHeads runs the chained output heads over a single-step trunk output
// h of shape (batch, 1, dim). Head s>0 is conditioned on head s-1's sampled
// token via a dedicated embedding table, mirroring two-stage decoding.
func (d *Decoder) sampleHeads(h device.Tensor) [][]int32 {
	batch, _, _ := h.Dims()
	out := make([][]int32, batch)
	for bi := range out {
		out[bi] = make([]int32, d.cfg.OutputStreams)
	}

	prev := make([][]int32, batch)
	for s := 0; s < d.cfg.OutputStreams; s++ {
		headIn := d.backend.GetTensor(batch, 1, d.cfg.Dim)
		headIn.Add(h)
		if s > 0 {
			emb := d.backend.Lookup(d.headEmb[s-1], prev)
			headIn.Add(emb)
			d.backend.PutTensor(emb)
		}

		logits := d.backend.MatMul(headIn, d.heads[s])
		d.backend.PutTensor(headIn)
		for bi := 0; bi < batch; bi++ {
			tok := argmax(logits, bi, d.cfg.Card)
			out[bi][s] = tok
			prev[bi] = []int32{tok}
		}
		d.backend.PutTensor(logits)
	}
	return out
}

func argmax(logits device.Tensor, bi, card int) int32 {
	best := int32(0)
	bestVal := float32(math.Inf(-1))
	for c := 0; c < card; c++ {
		if v := logits.At(bi, 0, c); v > bestVal {
			bestVal = v
			best = int32(c)
		}
	}
	return best
}

func newXavier(backend device.Backend, rng *rand.Rand, r, c int) device.Tensor {
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return backend.NewTensor(1, r, c, data)
}

func ones(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return data
}
