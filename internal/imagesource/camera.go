package imagesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Camera is a live capture device.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open camera. Callers must call Stop on every exit path;
// Capture stops the stream itself once a frame has been taken.
type Stream interface {
	Capture(ctx context.Context) (*Artifact, error)
	Stop() error
	Active() bool
}

const maxFrameBytes = 8 << 20

// MJPEGCamera reads frames from an HTTP endpoint that serves either a
// multipart/x-mixed-replace JPEG stream or a single still image.
type MJPEGCamera struct {
	URL         string
	Client      *http.Client
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// NewMJPEGCamera constructs a camera for the given stream URL.
func NewMJPEGCamera(url string, logger *zap.Logger) *MJPEGCamera {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MJPEGCamera{
		URL:         url,
		Client:      &http.Client{},
		DialTimeout: 10 * time.Second,
		Logger:      logger.Named("camera"),
	}
}

// Open connects to the device and starts receiving frames for live preview.
func (c *MJPEGCamera) Open(ctx context.Context) (Stream, error) {
	if strings.TrimSpace(c.URL) == "" {
		return nil, fmt.Errorf("%w: no camera device configured", ErrDevice)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stopWatch := context.AfterFunc(ctx, cancel)
	defer stopWatch()

	var dialTimer *time.Timer
	if c.DialTimeout > 0 {
		dialTimer = time.AfterFunc(c.DialTimeout, cancel)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if dialTimer != nil {
		dialTimer.Stop()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: device not found: %v", ErrDevice, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: permission denied", ErrDevice)
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: device not found", ErrDevice)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: device responded with status %d", ErrDevice, resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: unrecognised stream type: %v", ErrDevice, err)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	multipartStream := strings.HasPrefix(mediaType, "multipart/")
	if (multipartStream && boundary == "") || (!multipartStream && !strings.HasPrefix(mediaType, "image/")) {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: unsupported stream type %s", ErrDevice, mediaType)
	}

	s := &mjpegStream{
		body:   resp.Body,
		cancel: cancel,
		first:  make(chan struct{}),
		done:   make(chan struct{}),
		logger: c.Logger,
	}
	if multipartStream {
		go s.readMultipart(boundary)
	} else {
		go s.readSingle()
	}

	c.Logger.Debug("camera stream opened", zap.String("url", c.URL), zap.String("type", mediaType))
	return s, nil
}

type mjpegStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	logger *zap.Logger

	mu        sync.Mutex
	frame     []byte
	frames    int
	readErr   error
	firstOnce sync.Once
	first     chan struct{}
	done      chan struct{}

	stopOnce sync.Once
	stopped  bool
}

func (s *mjpegStream) readMultipart(boundary string) {
	defer close(s.done)
	reader := multipart.NewReader(s.body, boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			s.finish(err)
			return
		}
		frame, err := io.ReadAll(io.LimitReader(part, maxFrameBytes+1))
		part.Close()
		if err != nil {
			s.finish(err)
			return
		}
		if len(frame) == 0 {
			continue
		}
		if len(frame) > maxFrameBytes {
			s.finish(fmt.Errorf("frame exceeds %d bytes", maxFrameBytes))
			return
		}
		s.store(frame)
	}
}

func (s *mjpegStream) readSingle() {
	defer close(s.done)
	frame, err := io.ReadAll(io.LimitReader(s.body, maxFrameBytes+1))
	if err == nil && len(frame) > maxFrameBytes {
		err = fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
	}
	if err == nil && len(frame) > 0 {
		s.store(frame)
	}
	s.finish(err)
}

func (s *mjpegStream) store(frame []byte) {
	s.mu.Lock()
	s.frame = frame
	s.frames++
	s.mu.Unlock()
	s.firstOnce.Do(func() { close(s.first) })
}

func (s *mjpegStream) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.mu.Unlock()
}

// Capture waits for a frame, stops the stream and returns the most recent
// frame at its native resolution.
func (s *mjpegStream) Capture(ctx context.Context) (*Artifact, error) {
	if !s.Active() {
		return nil, fmt.Errorf("%w: stream already stopped", ErrDevice)
	}
	defer s.Stop() //nolint:errcheck

	select {
	case <-s.first:
	case <-s.done:
		// the reader may have stored a frame right before ending
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no frame received: %v", ErrDevice, ctx.Err())
	}

	s.mu.Lock()
	frame, seq, readErr := s.frame, s.frames, s.readErr
	s.mu.Unlock()

	if frame == nil {
		if readErr == nil || errors.Is(readErr, io.EOF) {
			readErr = errors.New("stream ended before a frame arrived")
		}
		return nil, fmt.Errorf("%w: %v", ErrDevice, readErr)
	}
	return newCameraArtifact(frame, seq)
}

// Stop releases the connection. It is safe to call more than once.
func (s *mjpegStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		err = s.body.Close()
		<-s.done
		s.logger.Debug("camera stream released")
	})
	return err
}

func (s *mjpegStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}
