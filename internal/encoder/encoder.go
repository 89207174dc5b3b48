// Package encoder turns image artifacts into the base64 text the grading
// service expects inside a JSON request body.
package encoder

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/example/card-grader/internal/logging"
)

// ErrEncoding matches every EncodingError via errors.Is.
var ErrEncoding = errors.New("encoding failed")

// EncodingError reports that an artifact could not be read.
type EncodingError struct {
	Name string
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Name, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

// Source is what the encoder reads from.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// Payload is raw standard base64 with no data URL envelope. Its String
// method is redacted so a payload can be passed to loggers safely.
type Payload struct {
	data string
}

// NewPayload wraps an already-encoded string, stripping any envelope.
func NewPayload(encoded string) Payload {
	return Payload{data: StripEnvelope(encoded)}
}

// Data returns the encoded text for embedding in a request body.
func (p Payload) Data() string { return p.data }

// Len is the encoded length in bytes.
func (p Payload) Len() int { return len(p.data) }

// Empty reports whether the payload carries no data.
func (p Payload) Empty() bool { return p.data == "" }

func (p Payload) String() string {
	return "base64:" + logging.Fingerprint([]byte(p.data))
}

// Decode returns the original bytes.
func (p Payload) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.data)
}

// Encode reads the artifact once and returns its base64 payload.
func Encode(ctx context.Context, src Source) (Payload, error) {
	if src == nil {
		return Payload{}, &EncodingError{Name: "artifact", Err: errors.New("no artifact")}
	}
	rc, err := src.Open()
	if err != nil {
		return Payload{}, &EncodingError{Name: src.Name(), Err: err}
	}
	defer rc.Close()

	var buf bytes.Buffer
	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	if _, err := io.Copy(enc, contextReader{ctx: ctx, r: rc}); err != nil {
		return Payload{}, &EncodingError{Name: src.Name(), Err: err}
	}
	if err := enc.Close(); err != nil {
		return Payload{}, &EncodingError{Name: src.Name(), Err: err}
	}
	if buf.Len() == 0 {
		return Payload{}, &EncodingError{Name: src.Name(), Err: errors.New("artifact is empty")}
	}
	return Payload{data: buf.String()}, nil
}

// StripEnvelope removes a "data:<mime>;base64," prefix if present.
func StripEnvelope(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
