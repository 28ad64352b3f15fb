package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-photo-finder/internal/capture"
	"go-photo-finder/internal/config"
	"go-photo-finder/internal/downloader"
	"go-photo-finder/internal/helpers"
	"go-photo-finder/internal/models"
	"go-photo-finder/internal/search"
)

const (
	captureAttempts = 25
	captureInterval = 200 * time.Millisecond
)

var errQuit = errors.New("quit")

type findOptions struct {
	imagePath    string
	useCamera    bool
	cameraSource string
	downloadAll  bool
	downloadEach bool
	download     []string
	yes          bool
	output       string
	concurrency  int
	progress     bool
}

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Submit a selfie and browse or download the matching event photos",
	Long: `Submits a photo of you to the matching service and lists the event photos
you appear in.

The photo comes from --image (JPEG or PNG) or from a camera frame source
(--camera). Frame sources are an image file or a directory that another
tool keeps writing frames into; the newest frame is captured and cropped
to 16:9.

Without --yes an interactive prompt lets you capture, retake, submit and
then pick photos to download. With --yes the requested downloads
(--download, --download-each, --download-all) run and the command exits.`,
	RunE: runFind,
}

func init() {
	rootCmd.AddCommand(findCmd)

	findCmd.Flags().StringP("image", "i", "", "Image file to submit (JPEG or PNG)")
	findCmd.Flags().Bool("camera", false, "Capture the photo from the camera frame source")
	findCmd.Flags().String("camera-source", "", "Frame file or directory used as camera (overrides config CameraSource)")
	findCmd.Flags().Bool("download-all", false, "Download all matches as one archive")
	findCmd.Flags().Bool("download-each", false, "Download every match as a separate photo")
	findCmd.Flags().StringSliceP("download", "d", []string{}, "Photo IDs or result numbers to download (comma-separated)")
	findCmd.Flags().BoolP("yes", "y", false, "Run non-interactively")
	findCmd.Flags().StringP("output", "o", formatText, "Output format for results (text, json, yaml)")
	findCmd.Flags().IntP("concurrency", "c", 0, "Concurrent single-photo downloads (0 uses config)")
	findCmd.Flags().Bool("progress", true, "Show byte progress bars for non-interactive downloads")

	viper.BindPFlag("find.image", findCmd.Flags().Lookup("image"))
	viper.BindPFlag("find.camera", findCmd.Flags().Lookup("camera"))
	viper.BindPFlag("find.camera_source", findCmd.Flags().Lookup("camera-source"))
	viper.BindPFlag("find.download_all", findCmd.Flags().Lookup("download-all"))
	viper.BindPFlag("find.download_each", findCmd.Flags().Lookup("download-each"))
	viper.BindPFlag("find.download", findCmd.Flags().Lookup("download"))
	viper.BindPFlag("find.yes", findCmd.Flags().Lookup("yes"))
	viper.BindPFlag("find.output", findCmd.Flags().Lookup("output"))
	viper.BindPFlag("find.concurrency", findCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("find.progress", findCmd.Flags().Lookup("progress"))
}

func findOptionsFromViper() findOptions {
	opts := findOptions{
		imagePath:    viper.GetString("find.image"),
		useCamera:    viper.GetBool("find.camera"),
		cameraSource: viper.GetString("find.camera_source"),
		downloadAll:  viper.GetBool("find.download_all"),
		downloadEach: viper.GetBool("find.download_each"),
		download:     viper.GetStringSlice("find.download"),
		yes:          viper.GetBool("find.yes"),
		output:       viper.GetString("find.output"),
		concurrency:  viper.GetInt("find.concurrency"),
		progress:     viper.GetBool("find.progress"),
	}
	if opts.cameraSource == "" {
		opts.cameraSource = globalConfig.CameraSource
	}
	if opts.concurrency <= 0 {
		opts.concurrency = globalConfig.Concurrency
	}
	return opts
}

func runFind(cmd *cobra.Command, args []string) error {
	opts := findOptionsFromViper()
	if err := validateOutputFormat(opts.output); err != nil {
		return err
	}
	if err := config.Validate(globalConfig); err != nil {
		return err
	}
	if opts.yes && opts.imagePath == "" && !opts.useCamera {
		return errors.New("--yes needs a photo source: --image or --camera")
	}
	if !opts.yes && opts.output != formatText {
		return errors.New("--output json|yaml requires --yes")
	}

	saver, err := newSaver()
	if err != nil {
		return err
	}
	db, idx, closeStores := openStores()
	defer closeStores()

	client := newApiClient()
	orch := search.New(client, search.WithSubmitDelay(time.Duration(globalConfig.SubmitDelayMs)*time.Millisecond))
	defer orch.Close()

	var cam capture.Camera
	if opts.cameraSource != "" {
		cam = capture.NewFrameFileCamera(opts.cameraSource)
	}

	f := &finder{
		ctx:     cmd.Context(),
		in:      bufio.NewReader(os.Stdin),
		out:     cmd.OutOrStdout(),
		opts:    opts,
		session: capture.NewSession(cam),
		orch:    orch,
		newRetriever: func(searchID string, progress bool) *downloader.Retriever {
			ropts := []downloader.Option{
				downloader.WithFilenamePrefix(globalConfig.FilenamePrefix),
				downloader.WithRecorder(&ledgerRecorder{db: db, idx: idx, searchID: searchID}),
			}
			if progress {
				ropts = append(ropts, downloader.WithProgress(newProgressBar))
			}
			return downloader.NewRetriever(client, saver, ropts...)
		},
	}

	if opts.yes {
		return f.runBatch()
	}
	return f.runInteractive()
}

// finder drives one find session: acquisition, search, then the gallery.
type finder struct {
	ctx          context.Context
	in           *bufio.Reader
	out          io.Writer
	opts         findOptions
	session      *capture.Session
	orch         *search.Orchestrator
	newRetriever func(searchID string, progress bool) *downloader.Retriever
	tracker      jobTracker
}

func (f *finder) prompt(text string) (string, error) {
	fmt.Fprint(f.out, text)
	line, err := f.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", errQuit
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readImageFile hands a file on disk to the capture session as a single
// selection.
func (f *finder) readImageFile(path string) (*models.ImageBlob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", path, err)
	}
	return f.session.ChooseFile([]capture.SelectedFile{{Name: filepath.Base(path), Data: data}})
}

// captureUnattended starts the camera and polls until a frame is captured.
func (f *finder) captureUnattended() (*models.ImageBlob, error) {
	if f.session.Mode() == capture.ModeSelecting {
		if err := f.session.ChooseCamera(f.ctx); err != nil {
			return nil, err
		}
	}
	for attempt := 0; f.session.Mode() == capture.ModeCapturing; attempt++ {
		if f.session.Capture() {
			break
		}
		if attempt >= captureAttempts {
			f.session.Cancel()
			return nil, errors.New("camera did not deliver a frame")
		}
		select {
		case <-f.ctx.Done():
			f.session.Cancel()
			return nil, f.ctx.Err()
		case <-time.After(captureInterval):
		}
	}
	blob, err := f.session.Submit()
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// watchSearch prints the loading notice while a search is in flight and
// returns the unsubscribe func.
func (f *finder) watchSearch() func() {
	return f.orch.Subscribe(func(st models.SearchState) {
		if st.Phase == models.PhaseLoading {
			renderState(f.out, st)
		}
	})
}

func (f *finder) runBatch() error {
	if f.opts.output == formatText {
		defer f.watchSearch()()
	}

	var blob *models.ImageBlob
	var err error
	if f.opts.imagePath != "" {
		blob, err = f.readImageFile(f.opts.imagePath)
	} else {
		blob, err = f.captureUnattended()
	}
	if err != nil {
		return err
	}
	if blob == nil {
		return errors.New("no image selected")
	}

	if err := f.orch.Submit(f.ctx, blob); err != nil {
		log.WithError(err).Debug("Search returned an error")
	}
	st := f.orch.State()
	if st.Phase != models.PhaseResults {
		if f.opts.output == formatText {
			renderState(f.out, st)
		}
		return errors.New(st.ErrorMessage)
	}
	f.session.Reset()

	if f.opts.output == formatText {
		renderState(f.out, st)
	}

	jobs, photoIDs, err := f.batchDownloads(st)
	if err != nil {
		return err
	}

	if f.opts.output != formatText {
		result := findResult{Search: st}
		for i, job := range jobs {
			result.Downloads = append(result.Downloads, job.Record(photoIDs[i], st.SearchID))
		}
		return writeStructured(f.out, f.opts.output, result)
	}
	if failed := summarizeJobs(f.out, jobs); failed > 0 {
		return fmt.Errorf("%d download(s) failed", failed)
	}
	return nil
}

// batchDownloads runs the requested downloads. photoIDs[i] is the photo
// behind jobs[i], empty for the archive.
func (f *finder) batchDownloads(st models.SearchState) (jobs []*models.DownloadJob, photoIDs []string, err error) {
	selected, err := selectMatches(f.opts.download, st.Matches)
	if err != nil {
		return nil, nil, err
	}
	progress := f.opts.progress && f.opts.output == formatText
	r := f.newRetriever(st.SearchID, progress && f.opts.concurrency == 1)

	if f.opts.downloadEach {
		selected = st.Matches
	}
	if len(selected) > 0 {
		// DownloadMany keeps results in input order.
		jobs = append(jobs, r.DownloadMany(f.ctx, selected, f.opts.concurrency)...)
		for _, m := range selected {
			photoIDs = append(photoIDs, m.PhotoID)
		}
	}
	if f.opts.downloadAll {
		archive := f.newRetriever(st.SearchID, progress)
		if job := archive.DownloadAll(f.ctx, st.Matches); job != nil {
			jobs = append(jobs, job)
			photoIDs = append(photoIDs, "")
		}
	}
	return jobs, photoIDs, nil
}

func (f *finder) runInteractive() error {
	defer f.watchSearch()()
	f.tracker.onDone = func(job *models.DownloadJob) {
		renderJob(f.out, job)
	}
	defer func() {
		jobs := f.tracker.waitLive(f.out)
		summarizeJobs(f.out, jobs)
	}()

	firstImage := f.opts.imagePath
	for {
		blob, err := f.acquire(&firstImage)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
		if blob == nil {
			continue
		}

		if err := f.orch.Submit(f.ctx, blob); err != nil {
			log.WithError(err).Debug("Search returned an error")
		}
		st := f.orch.State()
		renderState(f.out, st)
		if st.Phase != models.PhaseResults {
			// A captured frame stays in preview so it can be resubmitted.
			continue
		}
		f.session.Reset()

		err = f.gallery(st)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
		f.orch.ReturnHome()
	}
}

// acquire runs the capture state machine until an image is ready to submit.
// A nil blob with nil error means nothing was chosen.
func (f *finder) acquire(firstImage *string) (*models.ImageBlob, error) {
	if *firstImage != "" {
		path := *firstImage
		*firstImage = ""
		return f.readImageFile(path)
	}
	if f.opts.useCamera && f.session.Mode() == capture.ModeSelecting {
		f.opts.useCamera = false
		return f.cameraLoop()
	}

	switch f.session.Mode() {
	case capture.ModeCapturing, capture.ModePreviewing:
		return f.cameraLoop()
	}

	choice, err := f.prompt("Choose a photo: [f]ile <path>, [c]amera, [q]uit: ")
	if err != nil {
		return nil, err
	}
	cmdWord, rest, _ := strings.Cut(choice, " ")
	switch strings.ToLower(cmdWord) {
	case "f", "file":
		path := strings.TrimSpace(rest)
		if path == "" {
			if path, err = f.prompt("Path to JPEG or PNG: "); err != nil {
				return nil, err
			}
		}
		if path == "" {
			return nil, nil
		}
		blob, err := f.readImageFile(path)
		if err != nil {
			fmt.Fprintf(f.out, "Cannot use %s: %v\n", path, err)
			return nil, nil
		}
		return blob, nil
	case "c", "camera":
		return f.cameraLoop()
	case "q", "quit", "exit":
		return nil, errQuit
	case "":
		return nil, nil
	default:
		fmt.Fprintf(f.out, "Unknown choice %q\n", choice)
		return nil, nil
	}
}

func (f *finder) cameraLoop() (*models.ImageBlob, error) {
	for {
		switch f.session.Mode() {
		case capture.ModeSelecting:
			if err := f.session.ChooseCamera(f.ctx); err != nil {
				fmt.Fprintf(f.out, "Camera unavailable: %v\n", err)
				return nil, nil
			}

		case capture.ModeCapturing:
			choice, err := f.prompt("Camera on. [c]apture, [x] cancel: ")
			if err != nil {
				f.session.Cancel()
				return nil, err
			}
			switch strings.ToLower(choice) {
			case "c", "capture", "":
				if !f.session.Capture() {
					fmt.Fprintln(f.out, "Camera is not ready yet, try again.")
				}
			case "x", "cancel":
				f.session.Cancel()
				return nil, nil
			}

		case capture.ModePreviewing:
			pending, _ := f.session.Pending()
			fmt.Fprintf(f.out, "Captured frame ready (%s encoded).\n", helpers.BytesToSize(uint64(len(pending))))
			choice, err := f.prompt("[s]ubmit, [r]etake, [x] cancel: ")
			if err != nil {
				f.session.Cancel()
				return nil, err
			}
			switch strings.ToLower(choice) {
			case "s", "submit", "":
				blob, err := f.session.Submit()
				if err != nil {
					fmt.Fprintf(f.out, "Captured frame is unusable: %v\n", err)
					f.session.Cancel()
					return nil, nil
				}
				return &blob, nil
			case "r", "retake":
				if err := f.session.Retake(f.ctx); err != nil {
					fmt.Fprintf(f.out, "Cannot restart camera: %v\n", err)
				}
			case "x", "cancel":
				f.session.Cancel()
				return nil, nil
			}
		}
	}
}

// gallery lets the user pick downloads until they go home or quit.
func (f *finder) gallery(st models.SearchState) error {
	if len(st.Matches) == 0 {
		_, err := f.prompt("Press enter to start a new search.")
		return err
	}

	retriever := f.newRetriever(st.SearchID, false)
	for {
		input, err := f.prompt("Download: photo numbers, [a]ll as archive, [e]ach photo, [h]ome, [q]uit: ")
		if err != nil {
			return err
		}
		action, err := parseGalleryInput(input, len(st.Matches))
		if err != nil {
			fmt.Fprintln(f.out, err)
			continue
		}

		switch action.kind {
		case actionDownload:
			for _, i := range action.indexes {
				match := st.Matches[i]
				f.tracker.track(retriever.Go(f.ctx, func(ctx context.Context) *models.DownloadJob {
					return retriever.DownloadOne(ctx, match)
				}))
			}
		case actionDownloadEach:
			for _, match := range st.Matches {
				f.tracker.track(retriever.Go(f.ctx, func(ctx context.Context) *models.DownloadJob {
					return retriever.DownloadOne(ctx, match)
				}))
			}
		case actionDownloadAll:
			matches := append([]models.PhotoMatch(nil), st.Matches...)
			f.tracker.track(retriever.Go(f.ctx, func(ctx context.Context) *models.DownloadJob {
				return retriever.DownloadAll(ctx, matches)
			}))
		case actionHome:
			return nil
		case actionQuit:
			return errQuit
		}
	}
}
