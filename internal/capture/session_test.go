package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"go-photo-finder/internal/imagenorm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCamera struct {
	startErr error
	ready    bool
	frameErr error
	running  bool
	starts   int
	stops    int
}

func (c *fakeCamera) Start(ctx context.Context, cons Constraints) error {
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (c *fakeCamera) Ready() bool { return c.running && c.ready }

func (c *fakeCamera) Frame() (image.Image, error) {
	if c.frameErr != nil {
		return nil, c.frameErr
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		img.Set(x, 10, color.RGBA{R: 200, A: 255})
	}
	return img, nil
}

func (c *fakeCamera) Stop() error {
	c.stops++
	c.running = false
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestChooseFile(t *testing.T) {
	s := NewSession(nil)

	blob, err := s.ChooseFile(nil)
	require.NoError(t, err)
	assert.Nil(t, blob)
	assert.Equal(t, ModeSelecting, s.Mode())

	data := pngBytes(t, 4, 4)
	blob, err = s.ChooseFile([]SelectedFile{{Name: "me.png", Data: data}, {Name: "ignored.png", Data: data}})
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, "me.png", blob.Filename)
	assert.Equal(t, "image/png", blob.MimeType)
	assert.Equal(t, data, blob.Data)
	assert.Equal(t, ModeSelecting, s.Mode())

	data[0] = 0
	assert.NotEqual(t, data[0], blob.Data[0], "blob must not share the caller's buffer")
}

func TestChooseFileRejectsOtherTypes(t *testing.T) {
	s := NewSession(nil)
	gif := []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")

	_, err := s.ChooseFile([]SelectedFile{{Name: "anim.gif", Data: gif}})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = s.ChooseFile([]SelectedFile{{Name: "doc.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	blob, err := s.ChooseFile([]SelectedFile{{Name: "x.jpg", ContentType: "image/jpg", Data: []byte{0xFF, 0xD8}}})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", blob.MimeType)
}

func TestCaptureFlow(t *testing.T) {
	cam := &fakeCamera{ready: true}
	s := NewSession(cam)

	var seen []Mode
	unsubscribe := s.Subscribe(func(st State) { seen = append(seen, st.Mode()) })
	defer unsubscribe()

	require.NoError(t, s.ChooseCamera(context.Background()))
	assert.Equal(t, ModeCapturing, s.Mode())

	require.True(t, s.Capture())
	assert.Equal(t, ModePreviewing, s.Mode())
	assert.Equal(t, 1, cam.stops)

	pending, ok := s.Pending()
	require.True(t, ok)

	blob, err := s.Submit()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", blob.MimeType)
	assert.Equal(t, DefaultCaptureFilename, blob.Filename)
	assert.Equal(t, ModePreviewing, s.Mode(), "submit must not reset the session")

	decoded, err := imagenorm.Normalize(pending, "x.jpg")
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(decoded.Data))
	require.NoError(t, err)
	assert.Equal(t, 16*cfg.Height, 9*cfg.Width, "frame is cropped to 16:9")

	s.Reset()
	assert.Equal(t, ModeSelecting, s.Mode())
	_, ok = s.Pending()
	assert.False(t, ok)

	assert.Equal(t, []Mode{ModeCapturing, ModePreviewing, ModeSelecting}, seen)
}

func TestCaptureNotReady(t *testing.T) {
	cam := &fakeCamera{ready: false}
	s := NewSession(cam)
	require.NoError(t, s.ChooseCamera(context.Background()))

	assert.False(t, s.Capture())
	assert.Equal(t, ModeCapturing, s.Mode())

	cam.ready = true
	cam.frameErr = errors.New("no frame")
	assert.False(t, s.Capture())
	assert.Equal(t, ModeCapturing, s.Mode())
}

func TestChooseCameraFailure(t *testing.T) {
	s := NewSession(&fakeCamera{startErr: errors.New("permission denied")})
	assert.Error(t, s.ChooseCamera(context.Background()))
	assert.Equal(t, ModeSelecting, s.Mode())

	s = NewSession(nil)
	assert.ErrorIs(t, s.ChooseCamera(context.Background()), ErrNoCamera)
	assert.Equal(t, ModeSelecting, s.Mode())
}

func TestRetakeAndCancel(t *testing.T) {
	cam := &fakeCamera{ready: true}
	s := NewSession(cam)
	ctx := context.Background()

	require.NoError(t, s.ChooseCamera(ctx))
	require.True(t, s.Capture())
	require.NoError(t, s.Retake(ctx))
	assert.Equal(t, ModeCapturing, s.Mode())
	_, ok := s.Pending()
	assert.False(t, ok)
	assert.True(t, cam.running)

	s.Cancel()
	assert.Equal(t, ModeSelecting, s.Mode())
	assert.False(t, cam.running)

	s.Cancel()
	assert.Equal(t, ModeSelecting, s.Mode())

	assert.ErrorIs(t, s.Retake(ctx), ErrInvalidTransition)
	_, err := s.Submit()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvalidTransitions(t *testing.T) {
	s := NewSession(&fakeCamera{ready: true})
	require.NoError(t, s.ChooseCamera(context.Background()))

	_, err := s.ChooseFile([]SelectedFile{{Name: "a.png", Data: pngBytes(t, 1, 1)}})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.ChooseCamera(context.Background()), ErrInvalidTransition)
	assert.Equal(t, ModeCapturing, s.Mode())
}

// Pending image exists exactly when previewing, across random operation sequences.
func TestPendingOnlyWhilePreviewing(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for run := 0; run < 50; run++ {
		cam := &fakeCamera{}
		s := NewSession(cam)
		for step := 0; step < 40; step++ {
			cam.ready = rng.Intn(3) > 0
			if rng.Intn(8) == 0 {
				cam.startErr = errors.New("busy")
			} else {
				cam.startErr = nil
			}

			switch rng.Intn(7) {
			case 0:
				_, _ = s.ChooseFile([]SelectedFile{{Name: "a.png", Data: pngBytes(t, 2, 2)}})
			case 1:
				_ = s.ChooseCamera(ctx)
			case 2:
				s.Capture()
			case 3:
				s.Cancel()
			case 4:
				_ = s.Retake(ctx)
			case 5:
				_, _ = s.Submit()
			case 6:
				s.Reset()
			}

			pending, ok := s.Pending()
			if s.Mode() == ModePreviewing {
				require.True(t, ok, "run %d step %d", run, step)
				require.NotEmpty(t, pending)
			} else {
				require.False(t, ok, "run %d step %d", run, step)
			}
		}
	}
}

func TestFrameFileCamera(t *testing.T) {
	dir := t.TempDir()
	cam := NewFrameFileCamera(dir)
	require.NoError(t, cam.Start(context.Background(), DefaultConstraints))
	assert.False(t, cam.Ready(), "empty directory has no frame")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame.png"), pngBytes(t, 320, 320), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	assert.True(t, cam.Ready())

	img, err := cam.Frame()
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())

	require.NoError(t, cam.Stop())
	assert.False(t, cam.Ready())
	_, err = cam.Frame()
	assert.ErrorIs(t, err, ErrCameraStopped)

	missing := NewFrameFileCamera(filepath.Join(dir, "nope"))
	assert.ErrorIs(t, missing.Start(context.Background(), DefaultConstraints), ErrNoCamera)
}

func TestCropToAspect(t *testing.T) {
	tests := []struct {
		name string
		in   image.Rectangle
		want image.Rectangle
	}{
		{"Already 16:9", image.Rect(0, 0, 1280, 720), image.Rect(0, 0, 1280, 720)},
		{"Square", image.Rect(0, 0, 320, 320), image.Rect(0, 70, 320, 250)},
		{"Too wide", image.Rect(0, 0, 320, 90), image.Rect(80, 0, 240, 90)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cropToAspect(tt.in, 16, 9))
		})
	}
}
