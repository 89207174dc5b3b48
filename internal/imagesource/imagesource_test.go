package imagesource

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, G: 30, B: 30, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func readAll(t *testing.T, a *Artifact) []byte {
	t.Helper()
	rc, err := a.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestFromUploadAcceptsImage(t *testing.T) {
	data := testJPEG(t, 40, 56)

	a, err := FromUpload("card.jpg", "image/jpeg", data, 0)
	require.NoError(t, err)

	assert.Equal(t, SourceFile, a.Source())
	assert.Equal(t, "image/jpeg", a.ContentType())
	w, h := a.Dimensions()
	assert.Equal(t, 40, w)
	assert.Equal(t, 56, h)
	assert.Equal(t, data, readAll(t, a))
}

func TestFromUploadSniffsMissingType(t *testing.T) {
	a, err := FromUpload("", "", testPNG(t, 8, 8), 0)
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.ContentType())
}

func TestFromUploadRejectsNonImage(t *testing.T) {
	_, err := FromUpload("notes.txt", "text/plain", []byte("hello"), 0)
	require.ErrorIs(t, err, ErrValidation)

	_, err = FromUpload("card.jpg", "image/jpeg", nil, 0)
	require.ErrorIs(t, err, ErrValidation)

	_, err = FromUpload("card.jpg", "image/jpeg", testJPEG(t, 8, 8), 16)
	require.ErrorIs(t, err, ErrValidation)
}

func TestFromUploadCopiesInput(t *testing.T) {
	data := testJPEG(t, 8, 8)
	a, err := FromUpload("card.jpg", "image/jpeg", data, 0)
	require.NoError(t, err)

	original := append([]byte(nil), data...)
	data[0] = 0x00
	assert.Equal(t, original, readAll(t, a))
}

func TestFromFileReadsLazily(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "card.png")
	require.NoError(t, os.WriteFile(path, testPNG(t, 12, 20), 0o600))

	a, err := FromFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "card.png", a.Name())
	assert.Equal(t, "image/png", a.ContentType())

	require.NoError(t, os.Remove(path))
	_, err = a.Open()
	require.Error(t, err)
}

func TestFromFileRejectsRewrittenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "card.png")
	require.NoError(t, os.WriteFile(path, testPNG(t, 12, 20), 0o600))

	a, err := FromFile(path, 0)
	require.NoError(t, err)

	rc, err := a.Open()
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	require.NoError(t, os.WriteFile(path, testPNG(t, 40, 60), 0o600))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	_, err = a.Open()
	require.ErrorIs(t, err, ErrModified)
	w, h := a.Dimensions()
	assert.Equal(t, 12, w)
	assert.Equal(t, 20, h)
}

func TestFromFileRejectsText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readme.txt")
	require.NoError(t, os.WriteFile(path, []byte("just text"), 0o600))

	_, err := FromFile(path, 0)
	require.ErrorIs(t, err, ErrValidation)

	_, err = FromFile(filepath.Join(dir, "missing.jpg"), 0)
	require.ErrorIs(t, err, ErrValidation)
}

func mjpegServer(t *testing.T, frames ...[]byte) (*httptest.Server, chan struct{}) {
	t.Helper()
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw := multipart.NewWriter(w)
		require.NoError(t, mw.SetBoundary("frame"))
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.WriteHeader(http.StatusOK)
		for _, frame := range frames {
			header := make(textproto.MIMEHeader)
			header.Set("Content-Type", "image/jpeg")
			part, err := mw.CreatePart(header)
			if err != nil {
				return
			}
			_, _ = part.Write(frame)
			w.(http.Flusher).Flush()
		}
		// the next boundary terminates the last frame, as a live camera would
		_, _ = io.WriteString(w, "\r\n--frame\r\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	}))
	t.Cleanup(srv.Close)
	return srv, released
}

func TestMJPEGCameraCapturesLatestFrameAndReleases(t *testing.T) {
	first := testJPEG(t, 16, 16)
	second := testJPEG(t, 64, 48)
	srv, released := mjpegServer(t, first, second)

	cam := NewMJPEGCamera(srv.URL, zap.NewNop())
	stream, err := cam.Open(context.Background())
	require.NoError(t, err)
	require.True(t, stream.Active())

	// allow both frames to arrive
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, err := stream.Capture(ctx)
	require.NoError(t, err)

	assert.Equal(t, SourceCamera, a.Source())
	assert.Equal(t, "image/jpeg", a.ContentType())
	w, h := a.Dimensions()
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)
	assert.False(t, stream.Active())

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("camera connection was not released after capture")
	}

	require.NoError(t, stream.Stop())
	_, err = stream.Capture(ctx)
	require.ErrorIs(t, err, ErrDevice)
}

func TestMJPEGCameraStopReleasesWithoutCapture(t *testing.T) {
	srv, released := mjpegServer(t, testJPEG(t, 8, 8))

	stream, err := NewMJPEGCamera(srv.URL, nil).Open(context.Background())
	require.NoError(t, err)
	_ = stream.Stop()
	_ = stream.Stop()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("camera connection was not released after stop")
	}
}

func TestMJPEGCameraSingleSnapshot(t *testing.T) {
	frame := testJPEG(t, 30, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(frame)
	}))
	defer srv.Close()

	stream, err := NewMJPEGCamera(srv.URL, nil).Open(context.Background())
	require.NoError(t, err)
	a, err := stream.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frame, readAll(t, a))
}

func TestMJPEGCameraDeviceErrors(t *testing.T) {
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer denied.Close()

	_, err := NewMJPEGCamera(denied.URL, nil).Open(context.Background())
	require.ErrorIs(t, err, ErrDevice)
	assert.Contains(t, err.Error(), "permission denied")

	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()
	_, err = NewMJPEGCamera(gone.URL, nil).Open(context.Background())
	require.ErrorIs(t, err, ErrDevice)
	assert.Contains(t, err.Error(), "device not found")

	_, err = NewMJPEGCamera("", nil).Open(context.Background())
	require.ErrorIs(t, err, ErrDevice)
}
