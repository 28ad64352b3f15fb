package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go-photo-finder/internal/imagenorm"
	"go-photo-finder/internal/models"

	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidTransition = errors.New("invalid capture transition")
	ErrUnsupportedType   = errors.New("unsupported file type: only JPEG and PNG are accepted")
	ErrNoCamera          = errors.New("camera unavailable")
)

// DefaultCaptureFilename names blobs produced from camera captures.
const DefaultCaptureFilename = "selfie.jpg"

// SelectedFile is one file handed over by a file picker.
type SelectedFile struct {
	Name        string
	ContentType string // optional, sniffed from Data when empty
	Data        []byte
}

type Option func(*Session)

func WithConstraints(c Constraints) Option {
	return func(s *Session) { s.constraints = c }
}

func WithCaptureFilename(name string) Option {
	return func(s *Session) { s.filename = name }
}

// Session drives the selecting -> capturing -> previewing flow.
type Session struct {
	cam         Camera
	constraints Constraints
	filename    string

	mu        sync.Mutex
	state     State
	observers map[int]func(State)
	nextObs   int
}

// NewSession starts in Selecting. cam may be nil when no camera exists, in
// which case ChooseCamera fails with ErrNoCamera.
func NewSession(cam Camera, opts ...Option) *Session {
	s := &Session{
		cam:         cam,
		constraints: DefaultConstraints,
		filename:    DefaultCaptureFilename,
		state:       Selecting{},
		observers:   make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Mode() Mode {
	return s.State().Mode()
}

// Pending returns the captured image while previewing.
func (s *Session) Pending() (string, bool) {
	if p, ok := s.State().(Previewing); ok {
		return p.Image, true
	}
	return "", false
}

// Subscribe registers fn for state changes and returns a function removing it.
func (s *Session) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// transition must be called with s.mu held; it returns the notifications to
// run once the lock is released.
func (s *Session) transition(next State) func() {
	s.state = next
	fns := make([]func(State), 0, len(s.observers))
	for id := 0; id < s.nextObs; id++ {
		if fn, ok := s.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	return func() {
		for _, fn := range fns {
			fn(next)
		}
	}
}

// ChooseFile accepts the first selected file as a blob. Picking nothing is
// not an error and returns a nil blob. The session stays in Selecting.
func (s *Session) ChooseFile(files []SelectedFile) (*models.ImageBlob, error) {
	if mode := s.Mode(); mode != ModeSelecting {
		return nil, fmt.Errorf("%w: choose file while %s", ErrInvalidTransition, mode)
	}
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 {
		log.Debugf("Ignoring %d extra selected files", len(files)-1)
	}

	f := files[0]
	contentType := f.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(f.Data)
	}
	base, _, _ := strings.Cut(contentType, ";")
	mimeType, ok := imagenorm.CanonicalMimeType(base)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedType, f.Name, contentType)
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnsupportedType, f.Name)
	}

	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &models.ImageBlob{Filename: f.Name, MimeType: mimeType, Data: data}, nil
}

// ChooseCamera starts the feed. If the camera fails to start the session
// stays in Selecting.
func (s *Session) ChooseCamera(ctx context.Context) error {
	if mode := s.Mode(); mode != ModeSelecting {
		return fmt.Errorf("%w: choose camera while %s", ErrInvalidTransition, mode)
	}
	if err := s.startCamera(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Mode() != ModeSelecting {
		s.mu.Unlock()
		s.stopCamera()
		return fmt.Errorf("%w: state changed while starting camera", ErrInvalidTransition)
	}
	notify := s.transition(Capturing{})
	s.mu.Unlock()
	notify()
	return nil
}

func (s *Session) startCamera(ctx context.Context) error {
	if s.cam == nil {
		return ErrNoCamera
	}
	if err := s.cam.Start(ctx, s.constraints); err != nil {
		return fmt.Errorf("starting camera: %w", err)
	}
	return nil
}

func (s *Session) stopCamera() {
	if s.cam == nil {
		return
	}
	if err := s.cam.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop camera")
	}
}

// Capture takes one frame. It returns false without changing state when not
// capturing or when the feed has no frame yet.
func (s *Session) Capture() bool {
	if s.Mode() != ModeCapturing || s.cam == nil || !s.cam.Ready() {
		return false
	}
	frame, err := s.cam.Frame()
	if err != nil {
		log.WithError(err).Debug("Camera frame not available")
		return false
	}
	image, err := EncodeFrame(frame, s.constraints)
	if err != nil {
		log.WithError(err).Debug("Camera frame could not be encoded")
		return false
	}

	s.mu.Lock()
	if s.state.Mode() != ModeCapturing {
		s.mu.Unlock()
		return false
	}
	notify := s.transition(Previewing{Image: image})
	s.mu.Unlock()

	s.stopCamera()
	notify()
	return true
}

// Cancel drops the feed and any pending image.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Mode() == ModeSelecting {
		s.mu.Unlock()
		return
	}
	notify := s.transition(Selecting{})
	s.mu.Unlock()

	s.stopCamera()
	notify()
}

// Retake drops the pending image and restarts the feed. A camera start error
// leaves the preview in place.
func (s *Session) Retake(ctx context.Context) error {
	if mode := s.Mode(); mode != ModePreviewing {
		return fmt.Errorf("%w: retake while %s", ErrInvalidTransition, mode)
	}
	if err := s.startCamera(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Mode() != ModePreviewing {
		s.mu.Unlock()
		s.stopCamera()
		return fmt.Errorf("%w: state changed while restarting camera", ErrInvalidTransition)
	}
	notify := s.transition(Capturing{})
	s.mu.Unlock()
	notify()
	return nil
}

// Submit normalizes the pending image. The session keeps the preview until
// the caller reports success with Reset.
func (s *Session) Submit() (models.ImageBlob, error) {
	p, ok := s.State().(Previewing)
	if !ok {
		return models.ImageBlob{}, fmt.Errorf("%w: submit without a captured image", ErrInvalidTransition)
	}
	return imagenorm.Normalize(p.Image, s.filename)
}

// Reset returns to Selecting after a successful submission.
func (s *Session) Reset() {
	s.Cancel()
}
