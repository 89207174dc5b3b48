package imagesource

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Source tags how an artifact was acquired.
type Source string

const (
	SourceFile   Source = "file"
	SourceCamera Source = "camera"
)

var (
	// ErrValidation is returned when a selected file is not an acceptable image.
	ErrValidation = errors.New("invalid image")
	// ErrDevice is returned when a capture device is unavailable or denied.
	ErrDevice = errors.New("camera unavailable")
	// ErrModified is returned by Open when a file changed after selection.
	ErrModified = errors.New("file changed since it was selected")
)

// DefaultMaxBytes bounds artifacts when no explicit limit is given.
const DefaultMaxBytes int64 = 10 << 20

const sniffLen = 512

// Artifact is a single still image. It is immutable; a new selection or
// capture produces a new Artifact rather than changing an existing one.
type Artifact struct {
	source      Source
	name        string
	contentType string
	size        int64
	width       int
	height      int
	open        func() (io.ReadCloser, error)
}

// Source reports how the artifact was acquired.
func (a *Artifact) Source() Source { return a.source }

// Name is the original file name, or a generated one for camera frames.
func (a *Artifact) Name() string { return a.name }

// ContentType is the advertised image MIME type.
func (a *Artifact) ContentType() string { return a.contentType }

// Size is the byte length known at acquisition time.
func (a *Artifact) Size() int64 { return a.size }

// Dimensions returns the decoded image size, or zeros when the format could
// not be decoded.
func (a *Artifact) Dimensions() (int, int) { return a.width, a.height }

// Open returns a fresh reader over the artifact bytes. File-backed artifacts
// are read lazily, so a file removed after selection fails here.
func (a *Artifact) Open() (io.ReadCloser, error) {
	if a == nil || a.open == nil {
		return nil, errors.New("artifact has no content")
	}
	return a.open()
}

// String implements fmt.Stringer without exposing image bytes.
func (a *Artifact) String() string {
	if a == nil {
		return "<nil artifact>"
	}
	return fmt.Sprintf("%s:%s (%s, %d bytes)", a.source, a.name, a.contentType, a.size)
}

// FromUpload builds a file artifact from an in-memory upload.
func FromUpload(name, contentType string, data []byte, maxBytes int64) (*Artifact, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrValidation, displayName(name))
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, displayName(name), maxBytes)
	}

	ct, err := resolveContentType(name, contentType, data)
	if err != nil {
		return nil, err
	}

	payload := append([]byte(nil), data...)
	w, h := decodeDimensions(payload)
	return &Artifact{
		source:      SourceFile,
		name:        name,
		contentType: ct,
		size:        int64(len(payload)),
		width:       w,
		height:      h,
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		},
	}, nil
}

// FromFile builds a file artifact backed by a path on disk.
func FromFile(path string, maxBytes int64) (*Artifact, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrValidation, path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrValidation, path)
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, path, maxBytes)
	}

	head, err := readHead(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	ct, err := resolveContentType(path, "", head)
	if err != nil {
		return nil, err
	}

	var w, h int
	if f, err := os.Open(path); err == nil {
		if cfg, _, err := image.DecodeConfig(f); err == nil {
			w, h = cfg.Width, cfg.Height
		}
		f.Close()
	}

	return &Artifact{
		source:      SourceFile,
		name:        filepath.Base(path),
		contentType: ct,
		size:        info.Size(),
		width:       w,
		height:      h,
		open: func() (io.ReadCloser, error) {
			return openUnchanged(path, info)
		},
	}, nil
}

// openUnchanged opens path only if its size and modification time still
// match the selection.
func openUnchanged(path string, selected os.FileInfo) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	current, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if current.Size() != selected.Size() || !current.ModTime().Equal(selected.ModTime()) {
		f.Close()
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrModified)
	}
	return f, nil
}

func newCameraArtifact(frame []byte, seq int) (*Artifact, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: captured frame is not a decodable image: %v", ErrDevice, err)
	}
	payload := append([]byte(nil), frame...)
	return &Artifact{
		source:      SourceCamera,
		name:        fmt.Sprintf("capture-%d.%s", seq, format),
		contentType: "image/" + format,
		size:        int64(len(payload)),
		width:       cfg.Width,
		height:      cfg.Height,
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		},
	}, nil
}

// resolveContentType prefers the advertised type, then the file extension,
// then the leading bytes. Only image/* is accepted.
func resolveContentType(name, advertised string, head []byte) (string, error) {
	ct := normalizeMediaType(advertised)
	if ct == "" {
		ct = normalizeMediaType(mime.TypeByExtension(strings.ToLower(filepath.Ext(name))))
	}
	if ct == "" && len(head) > 0 {
		ct = normalizeMediaType(http.DetectContentType(head))
	}
	if !strings.HasPrefix(ct, "image/") {
		if ct == "" {
			ct = "unknown"
		}
		return "", fmt.Errorf("%w: %s has type %s, expected an image", ErrValidation, displayName(name), ct)
	}
	return ct, nil
}

func normalizeMediaType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(v)
	}
	return mt
}

func decodeDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func displayName(name string) string {
	if name == "" {
		return "upload"
	}
	return name
}
