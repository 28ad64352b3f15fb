package models

import (
	"time"
)

type (
	Config struct {
		// Remote service
		ApiUrl              string `toml:"ApiUrl"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"`
		SubmitDelayMs       int    `toml:"SubmitDelayMs"` // Pause before the search request is sent

		// Paths
		SavePath       string `toml:"SavePath"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`
		CameraSource   string `toml:"CameraSource"` // Frame file or directory of frames

		// Downloads
		FilenamePrefix string `toml:"FilenamePrefix"`
		Concurrency    int    `toml:"Concurrency"`
		SaveTarget     string `toml:"SaveTarget"` // "dir" or "s3"

		// S3 save target
		S3Endpoint  string `toml:"S3Endpoint"`
		S3AccessKey string `toml:"S3AccessKey"`
		S3SecretKey string `toml:"S3SecretKey"`
		S3Bucket    string `toml:"S3Bucket"`
		S3Region    string `toml:"S3Region"`
		S3UseSSL    bool   `toml:"S3UseSSL"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// ImageBlob is a binary image payload ready to be sent to the matching service.
	// Only JPEG and PNG payloads are ever constructed.
	ImageBlob struct {
		Filename string
		MimeType string
		Data     []byte
	}

	// PhotoMatch is one photo the matching service identified as depicting the submitter.
	PhotoMatch struct {
		PhotoID string `json:"photo_id" yaml:"photo_id"`
		URL     string `json:"url" yaml:"url"`
		Thumb   string `json:"thumb" yaml:"thumb"`
	}

	// SearchResponse is the decoded body of a successful search call.
	SearchResponse struct {
		Matches []PhotoMatch `json:"matches"`
		Note    string       `json:"note,omitempty"`
	}

	ArchiveRequest struct {
		URLs []string `json:"urls"`
	}

	SearchState struct {
		Phase        Phase        `json:"phase" yaml:"phase"`
		Matches      []PhotoMatch `json:"matches" yaml:"matches"`
		ErrorMessage string       `json:"error,omitempty" yaml:"error,omitempty"`
		SearchID     string       `json:"searchId,omitempty" yaml:"searchId,omitempty"`
	}

	DownloadJob struct {
		ID         string
		Kind       DownloadKind
		TargetURLs []string
		Status     DownloadStatus
		Filename   string
		SavedPath  string
		Size       uint64
		Blake3     string
		Err        error
		StartedAt  time.Time
		FinishedAt time.Time
	}

	// DownloadRecord is the ledger form of a finished DownloadJob.
	DownloadRecord struct {
		JobID      string         `json:"jobId" yaml:"jobId"`
		Kind       DownloadKind   `json:"kind" yaml:"kind"`
		Status     DownloadStatus `json:"status" yaml:"status"`
		PhotoID    string         `json:"photoId,omitempty" yaml:"photoId,omitempty"`
		SearchID   string         `json:"searchId,omitempty" yaml:"searchId,omitempty"`
		TargetURLs []string       `json:"targetUrls" yaml:"targetUrls"`
		Filename   string         `json:"filename" yaml:"filename"`
		SavedPath  string         `json:"savedPath,omitempty" yaml:"savedPath,omitempty"`
		Size       uint64         `json:"size" yaml:"size"`
		Blake3     string         `json:"blake3,omitempty" yaml:"blake3,omitempty"`
		Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
		FinishedAt time.Time      `json:"finishedAt" yaml:"finishedAt"`
	}
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseResults Phase = "results"
)

type DownloadKind string

const (
	DownloadSingle  DownloadKind = "single"
	DownloadArchive DownloadKind = "archive"
)

type DownloadStatus string

const (
	StatusPending  DownloadStatus = "pending"
	StatusComplete DownloadStatus = "complete"
	StatusFailed   DownloadStatus = "failed"
)

// Size returns the payload length in bytes.
func (b ImageBlob) Size() int {
	return len(b.Data)
}

// Clone returns a copy that shares no slices with s.
func (s SearchState) Clone() SearchState {
	out := s
	if s.Matches != nil {
		out.Matches = make([]PhotoMatch, len(s.Matches))
		copy(out.Matches, s.Matches)
	}
	return out
}

// Record converts a finished job into its ledger form.
func (j *DownloadJob) Record(photoID, searchID string) DownloadRecord {
	rec := DownloadRecord{
		JobID:      j.ID,
		Kind:       j.Kind,
		Status:     j.Status,
		PhotoID:    photoID,
		SearchID:   searchID,
		TargetURLs: append([]string(nil), j.TargetURLs...),
		Filename:   j.Filename,
		SavedPath:  j.SavedPath,
		Size:       j.Size,
		Blake3:     j.Blake3,
		FinishedAt: j.FinishedAt,
	}
	if j.Err != nil {
		rec.Error = j.Err.Error()
	}
	return rec
}
