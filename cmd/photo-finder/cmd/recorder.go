package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-photo-finder/index"
	"go-photo-finder/internal/database"
	"go-photo-finder/internal/models"
)

// ledgerRecorder writes finished downloads to the bitcask ledger and indexes
// completed ones in bleve. Either store may be nil.
type ledgerRecorder struct {
	db       *database.DB
	idx      bleve.Index
	searchID string
}

func (r *ledgerRecorder) RecordDownload(job *models.DownloadJob, match *models.PhotoMatch) error {
	var photoID string
	if match != nil {
		photoID = match.PhotoID
	}

	var errs []error
	if r.db != nil {
		if err := r.db.RecordJob(job.Record(photoID, r.searchID)); err != nil {
			errs = append(errs, err)
		}
	}
	if r.idx != nil && job.Status == models.StatusComplete {
		if err := index.IndexItem(r.idx, indexItemFor(job, match, r.searchID)); err != nil {
			errs = append(errs, fmt.Errorf("indexing %s: %w", job.Filename, err))
		}
	}
	return errors.Join(errs...)
}

func indexItemFor(job *models.DownloadJob, match *models.PhotoMatch, searchID string) index.Item {
	item := index.Item{
		ID:        "archive_" + job.ID,
		Type:      "archive",
		SearchID:  searchID,
		JobID:     job.ID,
		Filename:  filepath.Base(job.SavedPath),
		FilePath:  job.SavedPath,
		Blake3:    job.Blake3,
		SizeBytes: float64(job.Size),
		SavedAt:   job.FinishedAt,
	}
	if match != nil {
		item.ID = "photo_" + match.PhotoID
		item.Type = "photo"
		item.PhotoID = match.PhotoID
		item.SourceURL = match.URL
		item.ThumbURL = match.Thumb
	}
	return item
}

// openStores opens the ledger and the index. A store that fails to open is
// skipped with a warning; downloads still work without it.
func openStores() (*database.DB, bleve.Index, func()) {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		log.WithError(err).Warn("Download ledger unavailable, downloads will not be recorded")
		db = nil
	}
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		log.WithError(err).Warn("Photo index unavailable, downloads will not be indexed")
		idx = nil
	}
	return db, idx, func() {
		if db != nil {
			if err := db.Close(); err != nil {
				log.WithError(err).Warn("Error closing download ledger")
			}
		}
		if idx != nil {
			if err := idx.Close(); err != nil {
				log.WithError(err).Warn("Error closing photo index")
			}
		}
	}
}
