package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gosuri/uilive"
	"github.com/schollz/progressbar/v3"

	"go-photo-finder/internal/helpers"
	"go-photo-finder/internal/models"
)

// newProgressBar renders byte progress for one download on stderr. Unknown
// sizes (-1) show a spinner.
func newProgressBar(size int64, description string) io.Writer {
	return progressbar.NewOptions64(
		size,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// jobTracker collects the results of downloads running in the background.
type jobTracker struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	started  int
	finished []*models.DownloadJob

	// onDone runs on the download's goroutine.
	onDone func(*models.DownloadJob)
}

func (t *jobTracker) track(ch <-chan *models.DownloadJob) {
	t.mu.Lock()
	t.started++
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		job, ok := <-ch
		if !ok || job == nil {
			t.mu.Lock()
			t.started--
			t.mu.Unlock()
			return
		}
		t.mu.Lock()
		t.finished = append(t.finished, job)
		t.mu.Unlock()
		if t.onDone != nil {
			t.onDone(job)
		}
	}()
}

func (t *jobTracker) counts() (done, started int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.finished), t.started
}

func (t *jobTracker) jobs() []*models.DownloadJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*models.DownloadJob(nil), t.finished...)
}

// waitLive blocks until every tracked download has finished, showing a live
// status line on w.
func (t *jobTracker) waitLive(w io.Writer) []*models.DownloadJob {
	if _, started := t.counts(); started == 0 {
		return nil
	}

	writer := uilive.New()
	writer.Out = w
	writer.Start()
	defer writer.Stop()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		finished, started := t.counts()
		fmt.Fprintf(writer, "Downloads finished: %d/%d\n", finished, started)
		select {
		case <-done:
			finished, started = t.counts()
			fmt.Fprintf(writer, "Downloads finished: %d/%d\n", finished, started)
			return t.jobs()
		case <-ticker.C:
		}
	}
}

func summarizeJobs(w io.Writer, jobs []*models.DownloadJob) (failed int) {
	var total uint64
	for _, job := range jobs {
		renderJob(w, job)
		if job.Status == models.StatusComplete {
			total += job.Size
		} else {
			failed++
		}
	}
	if len(jobs) > 0 {
		fmt.Fprintf(w, "%d download(s), %d failed, %s saved\n", len(jobs), failed, helpers.BytesToSize(total))
	}
	return failed
}
