package database

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go-photo-finder/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// JobKeyPrefix prefixes the keys of download ledger entries.
const JobKeyPrefix = "job_"

var gzipMagicBytes = []byte{0x1f, 0x8b}

// DB is the download ledger: a bitcask store holding gzip-compressed values.
type DB struct {
	mu sync.RWMutex
	db *bitcask.Bitcask
}

// Open opens or creates the store at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	instance, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("Ledger opened at %s", path)
	return &DB{db: instance}, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

func (d *DB) Has(key []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Has(key)
}

// Get returns the decompressed value for key, or ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	value, err := d.db.Get(key)
	d.mu.RUnlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

// Put stores value gzip-compressed.
func (d *DB) Put(key []byte, value []byte) error {
	compressed, err := compressGzip(value, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}

	d.mu.Lock()
	err = d.db.Put(key, compressed)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("error putting key %s: %w", string(key), err)
	}
	return nil
}

func (d *DB) Delete(key []byte) error {
	d.mu.Lock()
	err := d.db.Delete(key)
	d.mu.Unlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Fold calls fn with every key and its decompressed value. Entries that cannot
// be read are skipped with a warning.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.db.Fold(func(key []byte) error {
		raw, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(raw)
		if err != nil {
			log.WithError(err).Warnf("Fold: error decompressing value for key %s", string(key))
			return nil
		}
		return fn(key, value)
	})
}

// Keys streams all keys. The read lock is held until the channel is drained.
func (d *DB) Keys() <-chan []byte {
	d.mu.RLock()
	src := d.db.Keys()
	out := make(chan []byte)
	go func() {
		defer d.mu.RUnlock()
		defer close(out)
		for key := range src {
			out <- key
		}
	}()
	return out
}

// RecordJob stores a finished download under job_<id>.
func (d *DB) RecordJob(rec models.DownloadRecord) error {
	if rec.JobID == "" {
		return errors.New("cannot record download without a job id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error marshalling download record %s: %w", rec.JobID, err)
	}
	log.WithField("job", rec.JobID).Debug("Recording download in ledger")
	return d.Put([]byte(JobKeyPrefix+rec.JobID), data)
}

// GetJob loads one ledger entry.
func (d *DB) GetJob(jobID string) (models.DownloadRecord, error) {
	var rec models.DownloadRecord
	data, err := d.Get([]byte(JobKeyPrefix + jobID))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("error unmarshalling download record %s: %w", jobID, err)
	}
	return rec, nil
}

// ListJobs returns all ledger entries, most recently finished first.
func (d *DB) ListJobs() ([]models.DownloadRecord, error) {
	var records []models.DownloadRecord
	err := d.Fold(func(key []byte, value []byte) error {
		if !strings.HasPrefix(string(key), JobKeyPrefix) {
			return nil
		}
		var rec models.DownloadRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			log.WithError(err).Warnf("Skipping unreadable ledger entry %s", string(key))
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].FinishedAt.Equal(records[j].FinishedAt) {
			return records[i].JobID < records[j].JobID
		}
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	return records, nil
}

// decompressIfGzipped returns value unchanged unless it carries a gzip header.
func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warn("Error creating gzip reader for value, returning raw data.")
		return value, nil
	}
	defer gr.Close()

	out, err := io.ReadAll(gr)
	if err != nil {
		log.WithError(err).Warn("Error decompressing value, returning raw data.")
		return value, nil
	}
	return out, nil
}

func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer: %w", err)
	}
	if _, err := gw.Write(value); err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("error writing compressed data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
