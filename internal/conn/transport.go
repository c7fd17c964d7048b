// =============================================================================
// HTTP TRANSPORT - PRODUCER API CALLS
// =============================================================================
//
// WHAT IS THIS?
// The wire layer for one broker connection. Plain HTTP+JSON against the
// broker's producer API:
//
//   GET  /health                        liveness probe
//   POST /producer/id                   acquire a producer identifier
//   POST /topics/{topic}/messages       publish one idempotent message
//
// WHY HTTP?
// The broker speaks HTTP on its REST surface and the published Go client is
// a pure HTTP client; the producer follows it. No client-side wire encoding
// beyond JSON is needed for these three calls.
//
// ERROR NORMALIZATION:
// Every failure leaving this layer is a gRPC *status.Status error so the
// rest of the producer can classify with one vocabulary (see errors.go):
//   - network/dial failures        -> codes.Unavailable
//   - context cancelled (shutdown) -> codes.Canceled
//   - broker-reported error codes  -> mapped per errorCode below
//
// =============================================================================

package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/pid"
)

// Broker-reported error codes carried in JSON responses.
//
// These mirror the broker's producer API error table; 0 means success.
const (
	BrokerErrNone            = 0
	BrokerErrNotReady        = 1 // broker up but not serving producers yet
	BrokerErrFenced          = 2 // stale epoch, a newer incarnation exists
	BrokerErrInvalidSequence = 3 // sequence gap or regression
	BrokerErrInternal        = 4
)

// initProducerIDRequest is the body of POST /producer/id.
type initProducerIDRequest struct {
	ClientKey string `json:"clientKey"`
}

// initProducerIDResponse is the reply. ErrorCode 0 means ProducerID and
// ProducerEpoch carry a broker-assigned identifier.
type initProducerIDResponse struct {
	ProducerID    int64  `json:"producerId"`
	ProducerEpoch int16  `json:"producerEpoch"`
	ErrorCode     int    `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// PublishRequest is one idempotent publish.
type PublishRequest struct {
	Topic     string `json:"-"`
	Partition int32  `json:"partition"`
	Value     []byte `json:"value"`

	ProducerID    int64 `json:"producerId"`
	ProducerEpoch int16 `json:"producerEpoch"`
	Sequence      int64 `json:"sequence"`
}

// PublishResult is the broker's acknowledgment of a publish.
type PublishResult struct {
	Offset    int64 `json:"offset"`
	Duplicate bool  `json:"duplicate"`
	ErrorCode int   `json:"errorCode"`
}

// Transport issues producer API calls against one broker.
type Transport struct {
	baseURL string
	client  *http.Client
}

// NewTransport creates a transport for the given broker base URL.
func NewTransport(baseURL string, timeout time.Duration) *Transport {
	return &Transport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Health probes the broker.
func (t *Transport) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return normalizeTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status.Errorf(codes.Unavailable, "health check returned %d", resp.StatusCode)
	}
	return nil
}

// InitProducerID requests a producer identifier for the given client key.
// The request carries no payload beyond the client key; transactional
// extensions are out of scope.
func (t *Transport) InitProducerID(ctx context.Context, clientKey string) (pid.ProducerID, error) {
	var out initProducerIDResponse
	err := t.postJSON(ctx, "/producer/id", initProducerIDRequest{ClientKey: clientKey}, &out)
	if err != nil {
		return pid.NewUnassigned(), err
	}

	if out.ErrorCode != BrokerErrNone {
		return pid.NewUnassigned(), brokerError(out.ErrorCode, out.ErrorMessage)
	}

	return pid.ProducerID{ID: out.ProducerID, Epoch: out.ProducerEpoch}, nil
}

// Publish sends one idempotent message.
func (t *Transport) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	var out PublishResult
	path := fmt.Sprintf("/topics/%s/messages", req.Topic)
	if err := t.postJSON(ctx, path, req, &out); err != nil {
		return PublishResult{}, err
	}
	if out.ErrorCode != BrokerErrNone {
		return PublishResult{}, brokerError(out.ErrorCode, "")
	}
	return out, nil
}

// postJSON posts a JSON body and decodes a JSON reply, normalizing every
// failure into a status error.
func (t *Transport) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return normalizeTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return normalizeTransportError(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusServiceUnavailable:
		return status.Errorf(codes.Unavailable, "broker returned 503: %s", raw)
	case resp.StatusCode >= 500:
		return status.Errorf(codes.Internal, "broker returned %d: %s", resp.StatusCode, raw)
	default:
		return status.Errorf(codes.InvalidArgument, "broker returned %d: %s", resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return status.Errorf(codes.Internal, "malformed broker response: %v", err)
	}
	return nil
}

// normalizeTransportError maps raw net/http failures onto status codes.
func normalizeTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "request aborted by shutdown")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

// brokerError maps a broker errorCode to a status error.
func brokerError(code int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("broker error code %d", code)
	}
	switch code {
	case BrokerErrNotReady:
		return status.Error(codes.Unavailable, msg)
	case BrokerErrFenced:
		return status.Error(codes.FailedPrecondition, msg)
	case BrokerErrInvalidSequence:
		return status.Error(codes.OutOfRange, msg)
	case BrokerErrInternal:
		return status.Error(codes.Internal, msg)
	default:
		return status.Error(codes.Unknown, msg)
	}
}
