package database

import (
	"path/filepath"
	"testing"
	"time"

	"go-photo-finder/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put([]byte("k"), []byte("value")))
	assert.True(t, db.Has([]byte("k")))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "value", string(got))

	require.NoError(t, db.Delete([]byte("k")))
	_, err = db.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.Delete([]byte("k")), ErrNotFound)
}

func TestCompressionRoundTrip(t *testing.T) {
	raw := []byte("plain value without gzip header")
	out, err := decompressIfGzipped(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	compressed, err := compressGzip(raw, 9)
	require.NoError(t, err)
	assert.Equal(t, gzipMagicBytes, compressed[:2])
	out, err = decompressIfGzipped(compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestRecordAndListJobs(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	records := []models.DownloadRecord{
		{JobID: "old", Kind: models.DownloadSingle, Status: models.StatusComplete, PhotoID: "A1", Filename: "CUBYCSPO_Photo_A1.jpg", FinishedAt: base},
		{JobID: "new", Kind: models.DownloadArchive, Status: models.StatusFailed, Filename: "CUBYCSPO_All_Photos.zip", Error: "boom", FinishedAt: base.Add(time.Hour)},
		{JobID: "mid", Kind: models.DownloadSingle, Status: models.StatusComplete, PhotoID: "B2", FinishedAt: base.Add(time.Minute)},
	}
	for _, rec := range records {
		require.NoError(t, db.RecordJob(rec))
	}
	require.NoError(t, db.Put([]byte("unrelated"), []byte("x")))

	list, err := db.ListJobs()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{list[0].JobID, list[1].JobID, list[2].JobID})
	assert.Equal(t, "boom", list[0].Error)

	got, err := db.GetJob("old")
	require.NoError(t, err)
	assert.Equal(t, "A1", got.PhotoID)

	_, err = db.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, db.RecordJob(models.DownloadRecord{}))
}

func TestKeys(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))

	var keys []string
	for k := range db.Keys() {
		keys = append(keys, string(k))
	}
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}
