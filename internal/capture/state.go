package capture

// Mode identifies which step of the acquisition flow a Session is in.
type Mode int

const (
	ModeSelecting Mode = iota
	ModeCapturing
	ModePreviewing
)

func (m Mode) String() string {
	switch m {
	case ModeSelecting:
		return "selecting"
	case ModeCapturing:
		return "capturing"
	case ModePreviewing:
		return "previewing"
	default:
		return "unknown"
	}
}

// State is the tagged session state. Only Previewing carries an image, so a
// pending image outside preview cannot be represented.
type State interface {
	Mode() Mode
	isState()
}

// Selecting waits for the user to pick a file or the camera.
type Selecting struct{}

// Capturing has a live camera feed running.
type Capturing struct{}

// Previewing holds the captured frame as a data URI until it is submitted,
// retaken or cancelled.
type Previewing struct {
	Image string
}

func (Selecting) Mode() Mode  { return ModeSelecting }
func (Capturing) Mode() Mode  { return ModeCapturing }
func (Previewing) Mode() Mode { return ModePreviewing }

func (Selecting) isState()  {}
func (Capturing) isState()  {}
func (Previewing) isState() {}
