package cmd

import (
	"bytes"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"go-photo-finder/internal/models"
)

func TestParseGalleryInput(t *testing.T) {
	tests := []struct {
		input   string
		kind    galleryActionKind
		indexes []int
		wantErr bool
	}{
		{"", actionNone, nil, false},
		{"a", actionDownloadAll, nil, false},
		{" ALL ", actionDownloadAll, nil, false},
		{"e", actionDownloadEach, nil, false},
		{"h", actionHome, nil, false},
		{"quit", actionQuit, nil, false},
		{"2", actionDownload, []int{1}, false},
		{"1,3 3", actionDownload, []int{0, 2}, false},
		{"0", actionNone, nil, true},
		{"4", actionNone, nil, true},
		{"x", actionNone, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseGalleryInput(tt.input, 3)
			if tt.wantErr {
				assert.ErrorIs(t, err, errBadSelection)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.kind)
			assert.Equal(t, tt.indexes, got.indexes)
		})
	}
}

func TestSelectMatches(t *testing.T) {
	matches := []models.PhotoMatch{{PhotoID: "A1"}, {PhotoID: "B2"}, {PhotoID: "3"}}

	got, err := selectMatches([]string{"B2", " 1 ", ""}, matches)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "B2", got[0].PhotoID)
	assert.Equal(t, "A1", got[1].PhotoID)

	got, err = selectMatches([]string{"3"}, matches)
	require.NoError(t, err)
	assert.Equal(t, "3", got[0].PhotoID, "photo id wins over position")

	_, err = selectMatches([]string{"Z9"}, matches)
	assert.ErrorIs(t, err, errBadSelection)
}

func TestRenderState(t *testing.T) {
	var buf bytes.Buffer
	renderState(&buf, models.SearchState{Phase: models.PhaseIdle})
	assert.Empty(t, buf.String())

	buf.Reset()
	renderState(&buf, models.SearchState{Phase: models.PhaseIdle, ErrorMessage: "down"})
	assert.Equal(t, "Error: down\n", buf.String())

	buf.Reset()
	renderState(&buf, models.SearchState{Phase: models.PhaseResults, ErrorMessage: "nobody here"})
	assert.Equal(t, "nobody here\n", buf.String())

	buf.Reset()
	renderState(&buf, models.SearchState{Phase: models.PhaseResults, Matches: []models.PhotoMatch{
		{PhotoID: "A1", URL: "http://x/a1"},
	}})
	assert.Contains(t, buf.String(), "Found 1 photo(s)")
	assert.Contains(t, buf.String(), "http://x/a1")
}

func TestRenderRecords(t *testing.T) {
	var buf bytes.Buffer
	renderRecords(&buf, nil)
	assert.Equal(t, "No downloads recorded.\n", buf.String())

	buf.Reset()
	when := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	renderRecords(&buf, []models.DownloadRecord{
		{JobID: "1", Kind: models.DownloadSingle, Status: models.StatusComplete, SavedPath: "/p/a.jpg", Size: 2048, FinishedAt: when},
		{JobID: "2", Kind: models.DownloadArchive, Status: models.StatusFailed, Filename: "all.zip", Error: "boom", FinishedAt: when},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "/p/a.jpg (2.00KB)")
	assert.Contains(t, lines[1], "all.zip: boom")
}

func TestWriteStructured(t *testing.T) {
	rec := models.DownloadRecord{JobID: "j1", Kind: models.DownloadSingle, Status: models.StatusComplete, PhotoID: "A1"}

	var buf bytes.Buffer
	require.NoError(t, writeStructured(&buf, formatJSON, rec))
	assert.Contains(t, buf.String(), `"jobId": "j1"`)

	buf.Reset()
	require.NoError(t, writeStructured(&buf, formatYAML, rec))
	var back map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "A1", back["photoId"])

	assert.Error(t, writeStructured(&buf, formatText, rec))
	assert.Error(t, validateOutputFormat("xml"))
}

func TestSummarizeJobs(t *testing.T) {
	jobs := []*models.DownloadJob{
		{Status: models.StatusComplete, SavedPath: "/p/a.jpg", Size: 1024},
		{Status: models.StatusFailed, Filename: "b.jpg", Err: errors.New("timeout")},
	}
	var buf bytes.Buffer
	failed := summarizeJobs(&buf, jobs)
	assert.Equal(t, 1, failed)
	assert.Contains(t, buf.String(), "Failed b.jpg: timeout")
	assert.Contains(t, buf.String(), "2 download(s), 1 failed")
}

func TestJobTrackerWaitsForAll(t *testing.T) {
	var tracker jobTracker
	var notified atomic.Int32
	tracker.onDone = func(job *models.DownloadJob) { notified.Add(1) }

	release := make(chan struct{})
	for _, id := range []string{"a", "b"} {
		ch := make(chan *models.DownloadJob, 1)
		go func(id string) {
			<-release
			ch <- &models.DownloadJob{ID: id, Status: models.StatusComplete}
			close(ch)
		}(id)
		tracker.track(ch)
	}
	empty := make(chan *models.DownloadJob)
	close(empty)
	tracker.track(empty)

	close(release)
	var out lockedBuffer
	jobs := tracker.waitLive(&out)
	assert.Len(t, jobs, 2)
	finished, started := tracker.counts()
	assert.Equal(t, 2, finished)
	assert.Equal(t, 2, started, "closed channel without a job is not counted")
	assert.Equal(t, int32(2), notified.Load())
}
