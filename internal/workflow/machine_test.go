package workflow

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/card-grader/internal/encoder"
	"github.com/example/card-grader/internal/grading"
	"github.com/example/card-grader/internal/imagesource"
)

const scenarioBody = `{"status":{"code":200,"text":"OK","request_id":"r-1"},"records":[{"grades":{"final":9.5,"condition":"NM-MT","corners":9,"edges":9,"surface":10,"centering":9},"card":[{"centering":{"left/right":"55/45","top/bottom":"52/48"}}]}],"statistics":{"processing time":1.2}}`

type stubSubmitter struct {
	calls   int32
	resp    *grading.Response
	err     error
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *stubSubmitter) Submit(ctx context.Context, payload encoder.Payload) (*grading.Response, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}
	if s.block != nil {
		<-s.block
	}
	return s.resp, s.err
}

type stubStream struct {
	mu       sync.Mutex
	stopped  bool
	artifact *imagesource.Artifact
	err      error
}

func (s *stubStream) Capture(ctx context.Context) (*imagesource.Artifact, error) {
	_ = s.Stop()
	return s.artifact, s.err
}

func (s *stubStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *stubStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

type stubCamera struct {
	stream  *stubStream
	err     error
	opening chan struct{}
	release chan struct{}
}

func (c *stubCamera) Open(ctx context.Context) (imagesource.Stream, error) {
	if c.opening != nil {
		close(c.opening)
	}
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 14)), nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func cameraArtifact(t *testing.T) *imagesource.Artifact {
	t.Helper()
	a, err := imagesource.FromUpload("frame.jpg", "image/jpeg", jpegBytes(t), 0)
	if err != nil {
		t.Fatalf("failed to build artifact: %v", err)
	}
	return a
}

func TestScenarioDropSubmitSuccess(t *testing.T) {
	resp, err := grading.ParseResponse([]byte(scenarioBody))
	if err != nil {
		t.Fatalf("failed to parse scenario body: %v", err)
	}
	sub := &stubSubmitter{resp: resp}
	m := NewMachine(Options{Submitter: sub, Logger: zap.NewNop()})

	var seen []string
	if err := m.Bus().Subscribe(TopicTransition, func(from, to State) {
		seen = append(seen, from.Name()+"->"+to.Name())
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("expected Idle, got %s", m.State().Name())
	}
	if err := m.SelectUpload("card.jpg", "image/jpeg", jpegBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if _, ok := m.State().(ImageReady); !ok {
		t.Fatalf("expected ImageReady, got %s", m.State().Name())
	}
	if err := m.Submit(context.Background()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	success, ok := m.State().(Success)
	if !ok {
		t.Fatalf("expected Success, got %s", m.State().Name())
	}
	if success.Response.Records[0].Grades.Final != 9.5 {
		t.Fatalf("unexpected final grade: %v", success.Response.Records[0].Grades.Final)
	}

	want := []string{"idle->image_ready", "image_ready->submitting", "submitting->success"}
	if len(seen) != len(want) {
		t.Fatalf("unexpected transitions: %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("unexpected transitions: %v", seen)
		}
	}
}

func TestSubmitWhileSubmittingIssuesOneCall(t *testing.T) {
	sub := &stubSubmitter{
		resp:    &grading.Response{StatusCode: 200, Records: []grading.Record{}},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	m := NewMachine(Options{Submitter: sub})
	if err := m.SelectUpload("card.jpg", "image/jpeg", jpegBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Submit(context.Background()) }()

	select {
	case <-sub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not start")
	}

	for i := 0; i < 3; i++ {
		if err := m.Submit(context.Background()); !errors.Is(err, ErrSubmitInFlight) {
			t.Fatalf("expected ErrSubmitInFlight, got %v", err)
		}
	}
	if err := m.SelectUpload("other.jpg", "image/jpeg", jpegBytes(t)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected selection to be refused while submitting, got %v", err)
	}

	close(sub.block)
	if err := <-done; err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if calls := atomic.LoadInt32(&sub.calls); calls != 1 {
		t.Fatalf("expected 1 network call, got %d", calls)
	}
	if _, ok := m.State().(Success); !ok {
		t.Fatalf("expected Success, got %s", m.State().Name())
	}
}

func TestSubmitWithoutImageIsNoop(t *testing.T) {
	sub := &stubSubmitter{}
	m := NewMachine(Options{Submitter: sub})

	if err := m.Submit(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("expected Idle, got %s", m.State().Name())
	}
	if sub.calls != 0 {
		t.Fatalf("expected no calls, got %d", sub.calls)
	}
}

func TestSelectFileWhileCameraActiveReleasesCamera(t *testing.T) {
	stream := &stubStream{}
	m := NewMachine(Options{Camera: &stubCamera{stream: stream}})

	if err := m.OpenCamera(context.Background()); err != nil {
		t.Fatalf("open camera failed: %v", err)
	}
	if _, ok := m.State().(CameraActive); !ok {
		t.Fatalf("expected CameraActive, got %s", m.State().Name())
	}

	if err := m.SelectUpload("card.jpg", "image/jpeg", jpegBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if stream.Active() {
		t.Fatal("expected camera stream to be released")
	}
	if _, ok := m.State().(ImageReady); !ok {
		t.Fatalf("expected ImageReady, got %s", m.State().Name())
	}
}

func TestInvalidFileLeavesCameraRunning(t *testing.T) {
	stream := &stubStream{}
	m := NewMachine(Options{Camera: &stubCamera{stream: stream}})
	if err := m.OpenCamera(context.Background()); err != nil {
		t.Fatalf("open camera failed: %v", err)
	}

	err := m.SelectUpload("notes.txt", "text/plain", []byte("hello"))
	if !errors.Is(err, imagesource.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !stream.Active() {
		t.Fatal("rejected selection must not stop the camera")
	}
	if _, ok := m.State().(CameraActive); !ok {
		t.Fatalf("expected CameraActive, got %s", m.State().Name())
	}
	_ = m.Close()
	if stream.Active() {
		t.Fatal("close must release the camera")
	}
}

func TestCaptureFrameProducesCameraArtifact(t *testing.T) {
	stream := &stubStream{artifact: cameraArtifact(t)}
	m := NewMachine(Options{Camera: &stubCamera{stream: stream}})

	if err := m.CaptureFrame(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected capture outside CameraActive to fail, got %v", err)
	}
	if err := m.OpenCamera(context.Background()); err != nil {
		t.Fatalf("open camera failed: %v", err)
	}
	if err := m.OpenCamera(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second open to be refused, got %v", err)
	}
	if err := m.CaptureFrame(context.Background()); err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	ready, ok := m.State().(ImageReady)
	if !ok {
		t.Fatalf("expected ImageReady, got %s", m.State().Name())
	}
	if ready.Artifact != stream.artifact {
		t.Fatal("expected captured artifact to be adopted")
	}
	if stream.Active() {
		t.Fatal("expected camera released after capture")
	}
}

func TestCameraPermissionDenied(t *testing.T) {
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer denied.Close()

	m := NewMachine(Options{Camera: imagesource.NewMJPEGCamera(denied.URL, zap.NewNop())})
	err := m.OpenCamera(context.Background())
	if !errors.Is(err, imagesource.ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	failed, ok := m.State().(Failed)
	if !ok {
		t.Fatalf("expected Failed, got %s", m.State().Name())
	}
	if failed.Message == "" {
		t.Fatal("expected a user-visible message")
	}

	// Failed is re-enterable
	if err := m.SelectUpload("card.jpg", "image/jpeg", jpegBytes(t)); err != nil {
		t.Fatalf("select after failure failed: %v", err)
	}
}

func TestRelayWithoutCredentialFails(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Missing API key"}`))
	}))
	defer relay.Close()

	client := grading.NewClient(grading.Options{Endpoint: relay.URL, Mode: grading.ModeRelayed})
	m := NewMachine(Options{Submitter: client})
	if err := m.SelectUpload("card.jpg", "image/jpeg", jpegBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	err := m.Submit(context.Background())
	var upstream *grading.UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected upstream 500, got %v", err)
	}
	failed, ok := m.State().(Failed)
	if !ok {
		t.Fatalf("expected Failed, got %s", m.State().Name())
	}
	if failed.Message != "Missing API key" {
		t.Fatalf("unexpected message: %q", failed.Message)
	}
}

func TestEncodingErrorSurfacesAsFailed(t *testing.T) {
	sub := &stubSubmitter{}
	m := NewMachine(Options{
		Submitter: sub,
		Encode: func(ctx context.Context, src encoder.Source) (encoder.Payload, error) {
			return encoder.Payload{}, &encoder.EncodingError{Name: src.Name(), Err: errors.New("revoked")}
		},
	})
	if err := m.SelectUpload("card.jpg", "image/jpeg", jpegBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := m.Submit(context.Background()); !errors.Is(err, encoder.ErrEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
	if _, ok := m.State().(Failed); !ok {
		t.Fatalf("expected Failed, got %s", m.State().Name())
	}
	if sub.calls != 0 {
		t.Fatalf("expected no network call, got %d", sub.calls)
	}
}

func TestLateResponseAfterCloseIsDropped(t *testing.T) {
	sub := &stubSubmitter{
		resp:    &grading.Response{StatusCode: 200},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	m := NewMachine(Options{Submitter: sub})
	if err := m.SelectUpload("card.jpg", "image/jpeg", jpegBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Submit(context.Background()) }()
	<-sub.started

	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	close(sub.block)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if _, ok := m.State().(Submitting); !ok {
		t.Fatalf("expected state untouched after close, got %s", m.State().Name())
	}
	if err := m.Submit(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMessagePrefersUpstreamText(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &grading.UpstreamError{StatusCode: 401, Message: "Invalid token."}, want: "Invalid token."},
		{err: &grading.UpstreamError{StatusCode: 502}, want: grading.GenericFailureMessage},
		{err: grading.ErrMissingCredential, want: "Missing API key. Please check your configuration."},
		{err: errors.New("anything"), want: grading.GenericFailureMessage},
	}
	for _, tt := range tests {
		if got := Message(tt.err); got != tt.want {
			t.Fatalf("Message(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestOpenCameraWithoutDeviceShowsCameraError(t *testing.T) {
	m := NewMachine(Options{})

	err := m.OpenCamera(context.Background())
	if !errors.Is(err, imagesource.ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	failed, ok := m.State().(Failed)
	if !ok {
		t.Fatalf("expected Failed, got %s", m.State().Name())
	}
	if !strings.HasPrefix(failed.Message, "Camera error:") {
		t.Fatalf("unexpected message: %q", failed.Message)
	}
}

func openBlocked(t *testing.T, m *Machine, camera *stubCamera) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.OpenCamera(context.Background()) }()
	select {
	case <-camera.opening:
	case <-time.After(2 * time.Second):
		t.Fatal("camera open did not start")
	}
	return done
}

func waitOpen(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("camera open did not return")
		return nil
	}
}

func TestCameraOpenedAfterSelectionIsReleased(t *testing.T) {
	stream := &stubStream{}
	camera := &stubCamera{stream: stream, opening: make(chan struct{}), release: make(chan struct{})}
	m := NewMachine(Options{Camera: camera})

	done := openBlocked(t, m, camera)
	if err := m.SelectUpload("card.jpg", "image/jpeg", jpegBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	close(camera.release)

	if err := waitOpen(t, done); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if stream.Active() {
		t.Fatal("late camera stream must be released")
	}
	if _, ok := m.State().(ImageReady); !ok {
		t.Fatalf("expected ImageReady, got %s", m.State().Name())
	}
}

func TestCameraOpenedAfterCloseIsReleased(t *testing.T) {
	stream := &stubStream{}
	camera := &stubCamera{stream: stream, opening: make(chan struct{}), release: make(chan struct{})}
	m := NewMachine(Options{Camera: camera})

	done := openBlocked(t, m, camera)
	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	close(camera.release)

	if err := waitOpen(t, done); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if stream.Active() {
		t.Fatal("late camera stream must be released")
	}
	if _, ok := m.State().(Idle); !ok {
		t.Fatalf("expected Idle, got %s", m.State().Name())
	}
}

func TestFileRewrittenAfterSelectionFailsEncoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.jpg")
	if err := os.WriteFile(path, jpegBytes(t), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	sub := &stubSubmitter{}
	m := NewMachine(Options{Submitter: sub})
	if err := m.SelectFile(path); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	var other bytes.Buffer
	if err := jpeg.Encode(&other, image.NewRGBA(image.Rect(0, 0, 64, 64)), nil); err != nil {
		t.Fatalf("encode replacement: %v", err)
	}
	if err := os.WriteFile(path, other.Bytes(), 0o600); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch file: %v", err)
	}

	if err := m.Submit(context.Background()); !errors.Is(err, encoder.ErrEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
	if atomic.LoadInt32(&sub.calls) != 0 {
		t.Fatal("changed file must not be submitted")
	}
	if _, ok := m.State().(Failed); !ok {
		t.Fatalf("expected Failed, got %s", m.State().Name())
	}
}
