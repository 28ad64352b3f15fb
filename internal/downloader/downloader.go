package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go-photo-finder/internal/helpers"
	"go-photo-finder/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Custom Downloader Errors
var (
	ErrFileSystem  = errors.New("filesystem error") // Covers create, remove, rename
	ErrObjectStore = errors.New("object store error")
	ErrNoURL       = errors.New("match has no photo URL")
)

const DefaultFilenamePrefix = "CUBYCSPO"

// Fetcher retrieves photo bytes from the matching service.
type Fetcher interface {
	FetchPhoto(ctx context.Context, url string) (io.ReadCloser, int64, error)
	DownloadArchive(ctx context.Context, urls []string) (io.ReadCloser, int64, error)
}

// Saver persists a stream under the given file name and returns where it ended
// up. Size is -1 when unknown.
type Saver interface {
	Save(ctx context.Context, name string, r io.Reader, size int64) (string, error)
}

// Recorder is told about every finished job. match is nil for archives.
type Recorder interface {
	RecordDownload(job *models.DownloadJob, match *models.PhotoMatch) error
}

// ProgressFunc returns a writer fed with the downloaded bytes. If the writer
// is also an io.Closer it is closed when the job ends.
type ProgressFunc func(size int64, description string) io.Writer

// DownloadError is stored on failed jobs.
type DownloadError struct {
	Kind   models.DownloadKind
	Target string
	Stage  string // "fetch" or "save"
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s download of %s failed during %s: %v", e.Kind, e.Target, e.Stage, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// SingleFilename is the local name of one downloaded photo.
func SingleFilename(prefix, photoID string) string {
	return fmt.Sprintf("%s_Photo_%s.jpg", prefix, helpers.SanitizeFilenamePart(photoID))
}

// ArchiveFilename is the local name of the bulk archive.
func ArchiveFilename(prefix string) string {
	return prefix + "_All_Photos.zip"
}

type Option func(*Retriever)

func WithFilenamePrefix(prefix string) Option {
	return func(r *Retriever) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Retriever) { r.recorder = rec }
}

func WithProgress(fn ProgressFunc) Option {
	return func(r *Retriever) { r.progress = fn }
}

// Retriever downloads matched photos. It keeps no per-job state, so any number
// of downloads may run at once.
type Retriever struct {
	fetcher  Fetcher
	saver    Saver
	prefix   string
	recorder Recorder
	progress ProgressFunc
}

func NewRetriever(fetcher Fetcher, saver Saver, opts ...Option) *Retriever {
	r := &Retriever{
		fetcher: fetcher,
		saver:   saver,
		prefix:  DefaultFilenamePrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newJob(kind models.DownloadKind, filename string, urls []string) *models.DownloadJob {
	return &models.DownloadJob{
		ID:         uuid.NewString(),
		Kind:       kind,
		TargetURLs: urls,
		Status:     models.StatusPending,
		Filename:   filename,
		StartedAt:  time.Now(),
	}
}

// DownloadOne saves a single match. Failures are recorded on the returned job.
func (r *Retriever) DownloadOne(ctx context.Context, match models.PhotoMatch) *models.DownloadJob {
	job := newJob(models.DownloadSingle, SingleFilename(r.prefix, match.PhotoID), []string{match.URL})
	if match.URL == "" {
		r.fail(job, "fetch", ErrNoURL)
	} else {
		r.run(ctx, job, func(ctx context.Context) (io.ReadCloser, int64, error) {
			return r.fetcher.FetchPhoto(ctx, match.URL)
		})
	}
	r.record(job, &match)
	return job
}

// DownloadAll saves every match as one archive. With no matches it does
// nothing and returns nil.
func (r *Retriever) DownloadAll(ctx context.Context, matches []models.PhotoMatch) *models.DownloadJob {
	if len(matches) == 0 {
		return nil
	}
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		urls = append(urls, m.URL)
	}

	job := newJob(models.DownloadArchive, ArchiveFilename(r.prefix), urls)
	r.run(ctx, job, func(ctx context.Context) (io.ReadCloser, int64, error) {
		return r.fetcher.DownloadArchive(ctx, urls)
	})
	r.record(job, nil)
	return job
}

// Go runs fn on its own goroutine. The channel delivers the job (possibly nil)
// and is then closed.
func (r *Retriever) Go(ctx context.Context, fn func(context.Context) *models.DownloadJob) <-chan *models.DownloadJob {
	out := make(chan *models.DownloadJob, 1)
	go func() {
		defer close(out)
		out <- fn(ctx)
	}()
	return out
}

// DownloadMany fetches matches individually with up to concurrency workers.
// Jobs come back in the order of matches.
func (r *Retriever) DownloadMany(ctx context.Context, matches []models.PhotoMatch, concurrency int) []*models.DownloadJob {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]*models.DownloadJob, len(matches))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 1; w <= concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := range jobs {
				log.Debugf("Worker %d: downloading photo %s", workerID, matches[i].PhotoID)
				results[i] = r.DownloadOne(ctx, matches[i])
			}
		}(w)
	}

	for i := range matches {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}

func (r *Retriever) run(ctx context.Context, job *models.DownloadJob, open func(context.Context) (io.ReadCloser, int64, error)) {
	logger := log.WithFields(log.Fields{"job": job.ID, "kind": job.Kind, "file": job.Filename})
	logger.Info("Starting download")

	body, size, err := open(ctx)
	if err != nil {
		r.fail(job, "fetch", err)
		return
	}
	defer body.Close()

	hasher := blake3.New()
	counter := &helpers.CounterWriter{}
	sinks := []io.Writer{hasher, counter}
	if r.progress != nil {
		if w := r.progress(size, job.Filename); w != nil {
			sinks = append(sinks, w)
			if c, ok := w.(io.Closer); ok {
				defer c.Close()
			}
		}
	}

	savedPath, err := r.saver.Save(ctx, job.Filename, io.TeeReader(body, io.MultiWriter(sinks...)), size)
	job.Size = counter.Total
	if err != nil {
		r.fail(job, "save", err)
		return
	}

	job.SavedPath = savedPath
	job.Blake3 = helpers.Blake3Hex(hasher)
	job.Status = models.StatusComplete
	job.FinishedAt = time.Now()
	logger.WithFields(log.Fields{"path": savedPath, "size": helpers.BytesToSize(job.Size)}).Info("Download complete")
}

// fail marks the job failed. Download failures are only logged; they never
// reach the search state.
func (r *Retriever) fail(job *models.DownloadJob, stage string, err error) {
	var target string
	if len(job.TargetURLs) == 1 {
		target = job.TargetURLs[0]
	} else {
		target = fmt.Sprintf("%d photos", len(job.TargetURLs))
	}
	job.Err = &DownloadError{Kind: job.Kind, Target: target, Stage: stage, Err: err}
	job.Status = models.StatusFailed
	job.FinishedAt = time.Now()
	log.WithFields(log.Fields{"job": job.ID, "file": job.Filename}).WithError(job.Err).Error("Download failed")
}

func (r *Retriever) record(job *models.DownloadJob, match *models.PhotoMatch) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordDownload(job, match); err != nil {
		log.WithError(err).Warnf("Failed to record download job %s", job.ID)
	}
}
