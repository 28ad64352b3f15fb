package index

import (
	"errors"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "photo_finder.bleve"

// Item is one saved photo or archive. Fields are searchable by their JSON
// names, e.g. '+photoId:A1' or '+searchId:<uuid>'.
type Item struct {
	ID        string    `json:"id"`   // photo_<photoId> or archive_<jobId>
	Type      string    `json:"type"` // "photo" or "archive"
	PhotoID   string    `json:"photoId,omitempty"`
	SearchID  string    `json:"searchId,omitempty"`
	JobID     string    `json:"jobId"`
	Filename  string    `json:"filename"`
	FilePath  string    `json:"filePath"`
	SourceURL string    `json:"sourceUrl,omitempty"`
	ThumbURL  string    `json:"thumbUrl,omitempty"`
	Blake3    string    `json:"blake3,omitempty"`
	SizeBytes float64   `json:"sizeBytes"`
	SavedAt   time.Time `json:"savedAt"`
}

// OpenOrCreateIndex opens the index at indexPath, creating it on first use.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		idx, err = bleve.New(indexPath, bleve.NewIndexMapping())
		if err != nil {
			return nil, err
		}
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("Opened existing index at: %s", indexPath)
	return idx, nil
}

// IndexItem adds or replaces an item.
func IndexItem(idx bleve.Index, item Item) error {
	return idx.Index(item.ID, item)
}

// SearchIndex runs a query-string search returning all stored fields.
func SearchIndex(idx bleve.Index, query string, size int) (*bleve.SearchResult, error) {
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Fields = []string{"*"}
	if size > 0 {
		req.Size = size
	}
	req.SortBy([]string{"-savedAt"})
	return idx.Search(req)
}

// ItemFromFields rebuilds an Item from the stored fields of a search hit.
// Dates come back from bleve as RFC 3339 strings and numbers as float64.
func ItemFromFields(id string, fields map[string]interface{}) Item {
	str := func(name string) string {
		v, _ := fields[name].(string)
		return v
	}
	item := Item{
		ID:        id,
		Type:      str("type"),
		PhotoID:   str("photoId"),
		SearchID:  str("searchId"),
		JobID:     str("jobId"),
		Filename:  str("filename"),
		FilePath:  str("filePath"),
		SourceURL: str("sourceUrl"),
		ThumbURL:  str("thumbUrl"),
		Blake3:    str("blake3"),
	}
	if size, ok := fields["sizeBytes"].(float64); ok {
		item.SizeBytes = size
	}
	if saved := str("savedAt"); saved != "" {
		if t, err := time.Parse(time.RFC3339Nano, saved); err == nil {
			item.SavedAt = t
		} else {
			log.WithError(err).Debugf("Unparseable savedAt on %s", id)
		}
	}
	return item
}

// DeleteIndex removes the index directory.
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
