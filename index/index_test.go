package index

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photos.bleve")
	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)

	saved := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	items := []Item{
		{ID: "photo_A1", Type: "photo", PhotoID: "A1", SearchID: "s1", JobID: "j1", Filename: "CUBYCSPO_Photo_A1.jpg", FilePath: "/p/CUBYCSPO_Photo_A1.jpg", SavedAt: saved},
		{ID: "photo_B2", Type: "photo", PhotoID: "B2", SearchID: "s2", JobID: "j2", Filename: "CUBYCSPO_Photo_B2.jpg", FilePath: "/p/CUBYCSPO_Photo_B2.jpg", SavedAt: saved.Add(time.Hour)},
		{ID: "archive_j3", Type: "archive", SearchID: "s1", JobID: "j3", Filename: "CUBYCSPO_All_Photos.zip", FilePath: "/p/CUBYCSPO_All_Photos.zip", SavedAt: saved.Add(2 * time.Hour)},
	}
	for _, item := range items {
		require.NoError(t, IndexItem(idx, item))
	}

	res, err := SearchIndex(idx, "+photoId:A1", 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, "photo_A1", res.Hits[0].ID)

	res, err = SearchIndex(idx, "+searchId:s1", 10)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Total)
	assert.Equal(t, "archive_j3", res.Hits[0].ID, "newest first")

	require.NoError(t, idx.Close())

	reopened, err := OpenOrCreateIndex(path)
	require.NoError(t, err)
	count, err := reopened.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
	require.NoError(t, reopened.Close())

	require.NoError(t, DeleteIndex(path))
}

func TestItemFromFields(t *testing.T) {
	fields := map[string]interface{}{
		"type":      "photo",
		"photoId":   "A1",
		"searchId":  "s1",
		"jobId":     "j1",
		"filename":  "CUBYCSPO_Photo_A1.jpg",
		"filePath":  "/p/CUBYCSPO_Photo_A1.jpg",
		"sizeBytes": float64(2048),
		"savedAt":   "2024-05-01T12:00:00Z",
	}
	item := ItemFromFields("photo_A1", fields)
	assert.Equal(t, "photo_A1", item.ID)
	assert.Equal(t, "A1", item.PhotoID)
	assert.Equal(t, "/p/CUBYCSPO_Photo_A1.jpg", item.FilePath)
	assert.Equal(t, float64(2048), item.SizeBytes)
	assert.True(t, item.SavedAt.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))

	empty := ItemFromFields("x", nil)
	assert.Equal(t, "x", empty.ID)
	assert.True(t, empty.SavedAt.IsZero())
}
