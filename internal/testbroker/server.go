// =============================================================================
// IN-PROCESS BROKER - A REAL PEER FOR THE PRODUCER TO TALK TO
// =============================================================================
//
// WHAT IS THIS?
// A small but honest broker: it allocates producer identifiers through the
// same allocator a production broker would use, stores published messages
// per topic/partition, and enforces epoch fencing and sequence checks on
// every publish.
//
// It exists so that producer behavior can be exercised end to end - over
// real HTTP, against real allocation and fencing logic - without standing
// up a cluster. The demo command runs one embedded; the tests run one per
// test.
//
// FAULT INJECTION:
// The interesting producer behavior is what it does when things go wrong.
// The server can be told to misbehave on demand:
//
//   FailInitNext(n)    - reject the next n identifier requests (retryable)
//   InvalidInitNext(n) - answer the next n identifier requests with a
//                        malformed identifier
//   SetDown(true)      - answer 503 to everything, including health probes
//
// =============================================================================

package testbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/conn"
	"github.com/abd-ulbasit/goqueue-producer-go/internal/pidalloc"
)

// initRequest mirrors the producer transport's POST /producer/id body.
type initRequest struct {
	ClientKey string `json:"clientKey"`
}

type initResponse struct {
	ProducerID    int64  `json:"producerId"`
	ProducerEpoch int16  `json:"producerEpoch"`
	ErrorCode     int    `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

type publishRequest struct {
	Partition     int32  `json:"partition"`
	Value         []byte `json:"value"`
	ProducerID    int64  `json:"producerId"`
	ProducerEpoch int16  `json:"producerEpoch"`
	Sequence      int64  `json:"sequence"`
}

type publishResponse struct {
	Offset    int64 `json:"offset"`
	Duplicate bool  `json:"duplicate"`
	ErrorCode int   `json:"errorCode"`
}

// Server is the in-process broker.
type Server struct {
	alloc  *pidalloc.Allocator
	logger *slog.Logger

	mu sync.Mutex
	// offsets maps "topic/partition" to the next offset to assign.
	offsets map[string]int64

	down            bool
	failInitLeft    int
	invalidInitLeft int

	httpSrv *http.Server
}

// NewServer creates a broker backed by the given allocator. A nil allocator
// gets a fresh one.
func NewServer(alloc *pidalloc.Allocator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if alloc == nil {
		alloc = pidalloc.NewAllocator(logger)
	}
	return &Server{
		alloc:   alloc,
		logger:  logger,
		offsets: make(map[string]int64),
	}
}

// Handler returns the broker's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Post("/producer/id", s.handleInitProducerID)
	r.Post("/topics/{topic}/messages", s.handlePublish)
	return r
}

// Listen starts serving on addr (use "127.0.0.1:0" for an ephemeral port)
// and returns the bound address. Stop with Shutdown.
func (s *Server) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("broker listen: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if serveErr := s.httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("broker serve failed", "error", serveErr)
		}
	}()

	return ln.Addr().String(), nil
}

// Shutdown stops the listener started by Listen.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// SetDown makes every endpoint (health included) answer 503 until cleared.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailInitNext rejects the next n identifier requests with a retryable
// broker error.
func (s *Server) FailInitNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInitLeft = n
}

// InvalidInitNext answers the next n identifier requests with a malformed
// (negative) identifier and no error code.
func (s *Server) InvalidInitNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidInitLeft = n
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.isDown() {
		http.Error(w, "broker down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInitProducerID(w http.ResponseWriter, r *http.Request) {
	if s.isDown() {
		http.Error(w, "broker down", http.StatusServiceUnavailable)
		return
	}

	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientKey == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if s.takeFault(&s.failInitLeft) {
		s.logger.Debug("injected identifier rejection", "client_key", req.ClientKey)
		writeJSON(w, initResponse{
			ProducerID:    -1,
			ProducerEpoch: -1,
			ErrorCode:     conn.BrokerErrNotReady,
			ErrorMessage:  "identifier allocator not ready",
		})
		return
	}

	if s.takeFault(&s.invalidInitLeft) {
		s.logger.Debug("injected invalid identifier", "client_key", req.ClientKey)
		writeJSON(w, initResponse{ProducerID: -1, ProducerEpoch: -1})
		return
	}

	id, epoch := s.alloc.Initialize(req.ClientKey)
	writeJSON(w, initResponse{ProducerID: id, ProducerEpoch: epoch})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.isDown() {
		http.Error(w, "broker down", http.StatusServiceUnavailable)
		return
	}

	topic := chi.URLParam(r, "topic")
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || topic == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	check := s.alloc.CheckSequence(req.ProducerID, req.ProducerEpoch, topic, req.Partition, req.Sequence)
	switch check {
	case pidalloc.SequenceFenced:
		writeJSON(w, publishResponse{ErrorCode: conn.BrokerErrFenced})
		return
	case pidalloc.SequenceGap:
		writeJSON(w, publishResponse{ErrorCode: conn.BrokerErrInvalidSequence})
		return
	case pidalloc.SequenceDuplicate:
		// Already appended; ack without writing again.
		writeJSON(w, publishResponse{Offset: s.lastOffset(topic, req.Partition), Duplicate: true})
		return
	}

	writeJSON(w, publishResponse{Offset: s.append(topic, req.Partition)})
}

// =============================================================================
// INTERNALS
// =============================================================================

func (s *Server) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// takeFault consumes one unit from a fault budget if any remains.
func (s *Server) takeFault(left *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *left > 0 {
		*left--
		return true
	}
	return false
}

func (s *Server) append(topic string, partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%d", topic, partition)
	off := s.offsets[key]
	s.offsets[key] = off + 1
	return off
}

func (s *Server) lastOffset(topic string, partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%d", topic, partition)
	return s.offsets[key] - 1
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
