package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-volley/internal/cache"
	"github.com/23skdu/longbow-volley/internal/client"
	"github.com/23skdu/longbow-volley/internal/device"
	"github.com/23skdu/longbow-volley/internal/gen"
	"github.com/23skdu/longbow-volley/internal/model"
	"github.com/23skdu/longbow-volley/internal/session"
)

var (
	tokensCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volley_tokens_committed_total",
		Help: "The total number of (stream, step) commits served",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "volley_request_duration_seconds",
		Help:    "Time spent processing generate requests",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "volley_request_cache_hits_total",
		Help: "Generate requests served from the commit cache",
	})
)

var tracer = otel.Tracer("volley-server")

// FlightClientInterface abstracts the downstream commit sink.
type FlightClientInterface interface {
	DoPut(ctx context.Context, sessionName string, record arrow.RecordBatch) error
	Close() error
}

// generateRequest is the CBOR body of a /generate call. Input is shaped
// [steps][batch][InputStreams]; batch size is taken from the first step.
type generateRequest struct {
	Input [][][]int32 `cbor:"input"`
}

type Server struct {
	cfg         model.Config
	delays      []int
	backend     device.Backend
	sink        FlightClientInterface
	sessionName string
	alloc       memory.Allocator
	sem         *semaphore.Weighted
	results     cache.CommitCache
}

func NewServer(cfg model.Config, delays []int, backend device.Backend, sink FlightClientInterface, sessionName string, maxConcurrent int) *Server {
	return &Server{
		cfg:         cfg,
		delays:      delays,
		backend:     backend,
		sink:        sink,
		sessionName: sessionName,
		alloc:       memory.NewGoAllocator(),
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		results:     cache.NewMapCache(),
	}
}

func startServer(addr string, cfg model.Config, delays []int, backend device.Backend, sink FlightClientInterface, sessionName string, maxConcurrent int) {
	srv := NewServer(cfg, delays, backend, sink, sessionName, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/generate", srv.handleGenerate)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Ints("delays", delays).Msg("Starting Volley Server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// handleGenerate runs one complete session over the posted input columns.
// Each request gets its own decoder tree, so concurrent requests never
// share streaming state.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleGenerate")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req generateRequest
	decoder := cbor.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	if len(req.Input) == 0 || len(req.Input[0]) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	batch := len(req.Input[0])

	span.SetAttributes(
		attribute.Int("steps", len(req.Input)),
		attribute.Int("batch", batch),
	)

	// Admission control
	weight := int64(batch)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	// Greedy sampling over a fresh tree makes commits a pure function of
	// the input, so identical requests can be served from memory.
	key := fingerprint(req.Input)
	commits, cached := s.results.Get(key)
	if cached {
		cacheHits.Inc()
	} else {
		var err error
		commits, err = s.runSession(ctx, batch, req.Input)
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Session failed: %v", err), http.StatusBadRequest)
			return
		}
		s.results.Put(key, commits)
	}
	tokensCommitted.Add(float64(len(commits)))

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(commits)
	if err != nil {
		http.Error(w, fmt.Sprintf("Record build failed: %v", err), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	defer rec.Release()

	if s.sink != nil {
		if err := s.sink.DoPut(ctx, s.sessionName, rec); err != nil {
			log.Error().Err(err).Msg("Error forwarding commits to sink")
		}
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Error().Err(err).Msg("Failed to write response stream")
		return
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close response stream")
	}
}

func (s *Server) runSession(ctx context.Context, batch int, input [][][]int32) ([]gen.StreamCommit, error) {
	dec, err := model.New(s.cfg, s.backend)
	if err != nil {
		return nil, err
	}
	g, err := gen.New(dec, gen.Config{Delays: s.delays})
	if err != nil {
		return nil, err
	}
	sess := session.New(g)

	if err := sess.Start(batch); err != nil {
		return nil, err
	}
	defer sess.Abort()

	var commits []gen.StreamCommit
	for _, column := range input {
		out, err := sess.Step(ctx, column)
		if err != nil {
			return nil, err
		}
		commits = append(commits, out.Committed...)
	}

	tail, err := sess.End(ctx)
	if err != nil {
		return nil, err
	}
	return append(commits, tail...), nil
}

// fingerprint hashes the input columns into a cache key. Shape bytes are
// mixed in so [[1],[2]] and [[1,2]] do not collide.
func fingerprint(input [][][]int32) string {
	h := fnv.New64a()
	var buf [4]byte
	for _, column := range input {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(column)))
		_, _ = h.Write(buf[:])
		for _, row := range column {
			binary.LittleEndian.PutUint32(buf[:], uint32(len(row)))
			_, _ = h.Write(buf[:])
			for _, tok := range row {
				binary.LittleEndian.PutUint32(buf[:], uint32(tok))
				_, _ = h.Write(buf[:])
			}
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
