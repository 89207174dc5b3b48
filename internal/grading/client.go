package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/card-grader/internal/config"
	"github.com/example/card-grader/internal/encoder"
	"github.com/example/card-grader/internal/logging"
)

// Mode selects who attaches the credential.
type Mode int

const (
	// ModeDirect sends the credential from the client straight to the service.
	ModeDirect Mode = iota
	// ModeRelayed omits the credential; the relay injects it server-side.
	ModeRelayed
)

func (m Mode) String() string {
	if m == ModeRelayed {
		return "relayed"
	}
	return "direct"
}

// MaxResponseBytes caps how much of a response body is read.
const MaxResponseBytes = 10 << 20

// ErrResponseTooLarge means the body exceeded the configured cap.
var ErrResponseTooLarge = errors.New("response body too large")

// Options configures a Client.
type Options struct {
	Endpoint   string
	APIKey     string
	AuthScheme string
	Mode       Mode
	Timeout    time.Duration
	HTTPClient *http.Client
	// MaxResponseBytes defaults to the package constant when zero.
	MaxResponseBytes int64
	Logger           *zap.Logger
}

// Client submits encoded card images for grading.
type Client struct {
	endpoint   string
	apiKey     string
	authScheme string
	mode       Mode
	httpClient *http.Client
	maxBody    int64
	logger     *zap.Logger
}

// NewClient constructs a client. The credential is captured here and never
// read from the environment afterwards.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	scheme := strings.TrimSpace(opts.AuthScheme)
	if scheme == "" {
		scheme = "Token"
	}
	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = MaxResponseBytes
	}
	return &Client{
		endpoint:   opts.Endpoint,
		apiKey:     strings.TrimSpace(opts.APIKey),
		authScheme: scheme,
		mode:       opts.Mode,
		httpClient: httpClient,
		maxBody:    maxBody,
		logger:     logger.Named("grading_client"),
	}
}

// NewClientFromConfig picks relayed mode when a relay URL is configured and
// direct mode otherwise.
func NewClientFromConfig(cfg *config.Config, logger *zap.Logger) *Client {
	opts := Options{
		Endpoint:   cfg.GraderEndpoint,
		APIKey:     cfg.APIKey,
		AuthScheme: cfg.AuthScheme,
		Mode:       ModeDirect,
		Timeout:    cfg.RequestTimeout,
		Logger:     logger,
	}
	if cfg.Relayed() {
		opts.Endpoint = cfg.RelayURL
		opts.APIKey = ""
		opts.Mode = ModeRelayed
	}
	return NewClient(opts)
}

// Mode reports the deployment mode.
func (c *Client) Mode() Mode { return c.mode }

// Submit sends one encoded image and returns the normalized response.
// Failures are never retried.
func (c *Client) Submit(ctx context.Context, payload encoder.Payload) (*Response, error) {
	opLogger := logging.WithOperation(c.logger, "grading.submit", "").With(
		zap.Stringer("mode", c.mode),
		logging.Payload("payload", payload.Data()),
	)

	if c.mode == ModeDirect && c.apiKey == "" {
		opLogger.Warn("direct submission without credential")
		return nil, ErrMissingCredential
	}
	if payload.Empty() {
		return nil, errors.New("empty payload")
	}

	body, err := json.Marshal(NewRequest(payload.Data()))
	if err != nil {
		return nil, fmt.Errorf("marshal grading request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.mode == ModeDirect {
		req.Header.Set("Authorization", c.authScheme+" "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		opLogger.Error("grading request failed", zap.Error(err))
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		opLogger.Error("reading grading response failed", zap.Error(err))
		return nil, &NetworkError{Err: err}
	}
	if int64(len(raw)) > c.maxBody {
		tooLarge := &MalformedResponseError{Err: fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody)}
		opLogger.Error("grading response too large", zap.Error(tooLarge), zap.Int("status", resp.StatusCode))
		return nil, tooLarge
	}
	opLogger = opLogger.With(
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
		zap.String("relay_request_id", resp.Header.Get("X-Request-ID")),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstreamErr := &UpstreamError{StatusCode: resp.StatusCode, Message: UpstreamMessage(raw)}
		opLogger.Warn("grading service rejected request", zap.Error(upstreamErr))
		return nil, upstreamErr
	}

	parsed, err := ParseResponse(raw)
	if err != nil {
		opLogger.Error("grading response did not parse", zap.Error(err))
		return nil, err
	}
	opLogger.Info("card graded", zap.String("request_id", parsed.RequestID), zap.Int("records", len(parsed.Records)))
	return parsed, nil
}
