package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/card-grader/internal/logging"
)

// Result is the upstream answer, passed back to the caller unmodified.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Forwarder exposes the subset of functionality used by the relay flow.
type Forwarder interface {
	Forward(ctx context.Context, requestID string, body []byte) (*Result, error)
}

// MaxBodyBytes caps how much of an upstream body is relayed.
const MaxBodyBytes = 10 << 20

// ErrBodyTooLarge is returned instead of relaying a truncated body.
var ErrBodyTooLarge = errors.New("upstream body too large")

// HTTPForwarder posts bodies to the grading service with the relay's
// credential attached.
type HTTPForwarder struct {
	endpoint   string
	apiKey     string
	scheme     string
	httpClient *http.Client
	maxBody    int64
	logger     *zap.Logger
}

// NewHTTPForwarder returns a forwarder for endpoint. An empty scheme
// defaults to "Token".
func NewHTTPForwarder(endpoint, apiKey, scheme string, timeout time.Duration, logger *zap.Logger) *HTTPForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	scheme = strings.TrimSpace(scheme)
	if scheme == "" {
		scheme = "Token"
	}
	return &HTTPForwarder{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(apiKey),
		scheme:     scheme,
		httpClient: &http.Client{Timeout: timeout},
		maxBody:    MaxBodyBytes,
		logger:     logger.Named("upstream"),
	}
}

// HasCredential reports whether a key was configured.
func (f *HTTPForwarder) HasCredential() bool {
	return f.apiKey != ""
}

// Forward relays body and returns the upstream status and body. Only
// transport failures produce an error; non-2xx answers are results.
func (f *HTTPForwarder) Forward(ctx context.Context, requestID string, body []byte) (*Result, error) {
	opLogger := logging.WithOperation(f.logger, "upstream.forward", requestID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, logging.NewOperationError("upstream.forward", requestID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("%s %s", f.scheme, f.apiKey))

	started := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		wrapped := logging.NewOperationError("upstream.forward", requestID, err)
		opLogger.Error("upstream request failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err == nil && int64(len(data)) > f.maxBody {
		err = fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.maxBody)
	}
	if err != nil {
		wrapped := logging.NewOperationError("upstream.read_body", requestID, err)
		opLogger.Error("failed to read upstream body", zap.Error(wrapped))
		return nil, wrapped
	}

	opLogger.Info("upstream responded",
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(data)),
		zap.Duration("latency", time.Since(started)),
	)

	return &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}
