// Package workflow sequences image acquisition, encoding and submission and
// owns the single current State. No other component changes the state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/example/card-grader/internal/encoder"
	"github.com/example/card-grader/internal/grading"
	"github.com/example/card-grader/internal/imagesource"
)

// TopicTransition is published with (from, to State) after every transition.
const TopicTransition = "workflow:transition"

var (
	// ErrInvalidTransition is returned when an action is not allowed in the
	// current state. The state is left unchanged.
	ErrInvalidTransition = errors.New("action not allowed in current state")
	// ErrSubmitInFlight is returned for a submit while another is pending.
	ErrSubmitInFlight = errors.New("submission already in flight")
	// ErrSuperseded is returned when the machine moved on while an action
	// was suspended; its result was discarded.
	ErrSuperseded = errors.New("result discarded: workflow moved on")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("workflow closed")
	// ErrNoCamera is returned by OpenCamera when no device is configured.
	ErrNoCamera = fmt.Errorf("%w: no camera configured", imagesource.ErrDevice)
)

// Submitter sends an encoded payload for grading.
type Submitter interface {
	Submit(ctx context.Context, payload encoder.Payload) (*grading.Response, error)
}

// EncodeFunc converts an artifact to its transport payload.
type EncodeFunc func(ctx context.Context, src encoder.Source) (encoder.Payload, error)

// Options configures a Machine.
type Options struct {
	Submitter      Submitter
	Camera         imagesource.Camera
	Encode         EncodeFunc
	Bus            evbus.Bus
	Logger         *zap.Logger
	MaxUploadBytes int64
}

// Machine is the workflow controller.
type Machine struct {
	submitter Submitter
	camera    imagesource.Camera
	encode    EncodeFunc
	bus       evbus.Bus
	logger    *zap.Logger
	maxBytes  int64

	mu     sync.Mutex
	state  State
	epoch  uint64
	closed bool
}

// NewMachine returns a machine in the Idle state.
func NewMachine(opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	encode := opts.Encode
	if encode == nil {
		encode = encoder.Encode
	}
	bus := opts.Bus
	if bus == nil {
		bus = evbus.New()
	}
	return &Machine{
		submitter: opts.Submitter,
		camera:    opts.Camera,
		encode:    encode,
		bus:       bus,
		logger:    logger.Named("workflow"),
		maxBytes:  opts.MaxUploadBytes,
		state:     Idle{},
	}
}

// Bus exposes the event bus so observers can subscribe to transitions.
func (m *Machine) Bus() evbus.Bus { return m.bus }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transitionLocked must be called with m.mu held. The returned func
// publishes the transition and must be called after unlocking.
func (m *Machine) transitionLocked(to State) func() {
	from := m.state
	m.state = to
	m.epoch++
	m.logger.Debug("transition", zap.String("from", from.Name()), zap.String("to", to.Name()))
	return func() { m.bus.Publish(TopicTransition, from, to) }
}

// SelectFile adopts an image file from disk.
func (m *Machine) SelectFile(path string) error {
	artifact, err := imagesource.FromFile(path, m.maxBytes)
	return m.adopt(artifact, err)
}

// SelectUpload adopts an in-memory image, e.g. one dropped onto a page.
func (m *Machine) SelectUpload(name, contentType string, data []byte) error {
	artifact, err := imagesource.FromUpload(name, contentType, data, m.maxBytes)
	return m.adopt(artifact, err)
}

// adopt moves to ImageReady with a selected file. An invalid file is
// rejected without touching the current state, including a live camera.
func (m *Machine) adopt(artifact *imagesource.Artifact, validationErr error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if validationErr != nil {
		m.mu.Unlock()
		m.logger.Info("file rejected", zap.Error(validationErr))
		return validationErr
	}

	var stream imagesource.Stream
	switch s := m.state.(type) {
	case CameraActive:
		stream = s.Stream
	default:
		if !acceptsNewImage(s) {
			m.mu.Unlock()
			return ErrInvalidTransition
		}
	}
	if stream != nil {
		m.stopStream(stream)
	}
	publish := m.transitionLocked(ImageReady{Artifact: artifact})
	m.mu.Unlock()
	publish()
	return nil
}

// OpenCamera starts a live camera stream. A denied or missing device moves
// the machine to Failed.
func (m *Machine) OpenCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !acceptsNewImage(m.state) {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	if m.camera == nil {
		publish := m.failLocked(ErrNoCamera)
		m.mu.Unlock()
		publish()
		return ErrNoCamera
	}
	epoch := m.epoch
	camera := m.camera
	m.mu.Unlock()

	stream, err := camera.Open(ctx)

	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		m.mu.Unlock()
		if stream != nil {
			m.stopStream(stream)
		}
		return ErrSuperseded
	}
	var publish func()
	if err != nil {
		m.logger.Warn("camera open failed", zap.Error(err))
		publish = m.failLocked(err)
	} else {
		publish = m.transitionLocked(CameraActive{Stream: stream})
	}
	m.mu.Unlock()
	publish()
	return err
}

// CaptureFrame takes a still from the live stream and releases the camera.
func (m *Machine) CaptureFrame(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	active, ok := m.state.(CameraActive)
	if !ok {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	epoch := m.epoch
	m.mu.Unlock()

	artifact, err := active.Stream.Capture(ctx)
	m.stopStream(active.Stream)

	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		m.mu.Unlock()
		return ErrSuperseded
	}
	var publish func()
	if err != nil {
		m.logger.Warn("frame capture failed", zap.Error(err))
		publish = m.failLocked(err)
	} else {
		publish = m.transitionLocked(ImageReady{Artifact: artifact})
	}
	m.mu.Unlock()
	publish()
	return err
}

// Submit encodes and sends the ready image. It is a no-op returning
// ErrSubmitInFlight while a submission is pending, and ErrInvalidTransition
// when no image is ready. Failures are not retried.
func (m *Machine) Submit(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var ready ImageReady
	switch s := m.state.(type) {
	case ImageReady:
		ready = s
	case Submitting:
		m.mu.Unlock()
		return ErrSubmitInFlight
	default:
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	publish := m.transitionLocked(Submitting{Artifact: ready.Artifact})
	epoch := m.epoch
	m.mu.Unlock()
	publish()

	resp, err := m.run(ctx, ready.Artifact)

	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		m.mu.Unlock()
		m.logger.Info("dropping late submission result")
		return ErrSuperseded
	}
	if err != nil {
		publish = m.failLocked(err)
	} else {
		publish = m.transitionLocked(Success{Response: resp})
	}
	m.mu.Unlock()
	publish()
	return err
}

func (m *Machine) run(ctx context.Context, artifact *imagesource.Artifact) (*grading.Response, error) {
	if m.submitter == nil {
		return nil, errors.New("no submitter configured")
	}
	payload, err := m.encode(ctx, artifact)
	if err != nil {
		m.logger.Warn("encoding failed", zap.Error(err), zap.Stringer("artifact", artifact))
		return nil, err
	}
	m.logger.Debug("submitting", zap.Stringer("artifact", artifact), zap.Stringer("payload", payload))
	return m.submitter.Submit(ctx, payload)
}

// Close releases any live camera and discards results that arrive later.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if active, ok := m.state.(CameraActive); ok {
		m.stopStream(active.Stream)
	}
	return nil
}

func (m *Machine) failLocked(err error) func() {
	return m.transitionLocked(Failed{Message: Message(err), Err: err})
}

func (m *Machine) stopStream(stream imagesource.Stream) {
	if err := stream.Stop(); err != nil {
		m.logger.Debug("camera stop reported error", zap.Error(err))
	}
}
