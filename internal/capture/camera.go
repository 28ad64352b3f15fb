package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go-photo-finder/internal/imagenorm"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// Constraints describe the feed the session asks the camera for.
type Constraints struct {
	FacingMode string // "user" is the front camera
	Width      int
	Height     int
	AspectW    int
	AspectH    int
}

// DefaultConstraints prefers the front camera at 1280x720 (16:9).
var DefaultConstraints = Constraints{
	FacingMode: "user",
	Width:      1280,
	Height:     720,
	AspectW:    16,
	AspectH:    9,
}

// Camera is a live image source.
type Camera interface {
	Start(ctx context.Context, c Constraints) error
	// Ready reports whether a frame can be taken right now.
	Ready() bool
	Frame() (image.Image, error)
	Stop() error
}

var ErrCameraStopped = errors.New("camera is not running")

// FrameFileCamera serves still frames from disk. Source is either an image
// file or a directory; for a directory the most recently modified JPEG or PNG
// is the current frame, so an external tool can keep dropping frames there.
type FrameFileCamera struct {
	Source string

	mu      sync.Mutex
	running bool
}

func NewFrameFileCamera(source string) *FrameFileCamera {
	return &FrameFileCamera{Source: source}
}

func (c *FrameFileCamera) Start(ctx context.Context, cons Constraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Source == "" {
		return fmt.Errorf("%w: no camera source configured", ErrNoCamera)
	}
	if _, err := os.Stat(c.Source); err != nil {
		return fmt.Errorf("%w: %v", ErrNoCamera, err)
	}
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	log.WithFields(log.Fields{"source": c.Source, "facing": cons.FacingMode}).Debug("Camera started")
	return nil
}

// Ready is true while running and a frame file exists.
func (c *FrameFileCamera) Ready() bool {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return false
	}
	_, err := c.currentFrame()
	return err == nil
}

func (c *FrameFileCamera) Frame() (image.Image, error) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return nil, ErrCameraStopped
	}
	path, err := c.currentFrame()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding frame %s: %w", path, err)
	}
	return img, nil
}

func (c *FrameFileCamera) Stop() error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

func isFrameFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func (c *FrameFileCamera) currentFrame() (string, error) {
	info, err := os.Stat(c.Source)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return c.Source, nil
	}

	entries, err := os.ReadDir(c.Source)
	if err != nil {
		return "", err
	}
	type frame struct {
		path string
		mod  int64
	}
	var frames []frame
	for _, e := range entries {
		if e.IsDir() || !isFrameFile(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		frames = append(frames, frame{filepath.Join(c.Source, e.Name()), fi.ModTime().UnixNano()})
	}
	if len(frames) == 0 {
		return "", fmt.Errorf("no frames in %s", c.Source)
	}
	sort.Slice(frames, func(i, j int) bool {
		if frames[i].mod != frames[j].mod {
			return frames[i].mod > frames[j].mod
		}
		return frames[i].path > frames[j].path
	})
	return frames[0].path, nil
}

// cropToAspect returns the largest centred rectangle of b with ratio w:h.
func cropToAspect(b image.Rectangle, w, h int) image.Rectangle {
	if w <= 0 || h <= 0 || b.Dx() == 0 || b.Dy() == 0 {
		return b
	}
	dx, dy := b.Dx(), b.Dy()
	if dx*h > dy*w {
		nw := dy * w / h
		off := (dx - nw) / 2
		return image.Rect(b.Min.X+off, b.Min.Y, b.Min.X+off+nw, b.Max.Y)
	}
	nh := dx * h / w
	off := (dy - nh) / 2
	return image.Rect(b.Min.X, b.Min.Y+off, b.Max.X, b.Min.Y+off+nh)
}

// EncodeFrame crops a frame to the constraint aspect, scales it down to the
// constraint size when larger, and returns it as a JPEG data URI.
func EncodeFrame(img image.Image, cons Constraints) (string, error) {
	src := cropToAspect(img.Bounds(), cons.AspectW, cons.AspectH)
	width, height := src.Dx(), src.Dy()
	if cons.Width > 0 && cons.Height > 0 && (width > cons.Width || height > cons.Height) {
		width, height = cons.Width, cons.Height
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("encoding frame: %w", err)
	}
	return imagenorm.EncodeDataURI("image/jpeg", buf.Bytes()), nil
}
