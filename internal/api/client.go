package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go-photo-finder/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrBadResponse = errors.New("malformed API response")
	ErrRequest     = errors.New("HTTP request creation/execution error")
)

const (
	SearchPath  = "/api/search"
	ArchivePath = "/download_zip"
	// SelfieField is the multipart field carrying the submitted image.
	SelfieField = "selfie"
)

// maxErrorBody bounds how much of a failed response is kept for the error message.
const maxErrorBody = 512

// Client talks to the photo matching service.
type Client struct {
	BaseURL    string
	HttpClient *http.Client
}

// NewClient creates a new API client. A nil httpClient gets a 60s timeout client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HttpClient: httpClient,
	}
}

func (c *Client) endpoint(path string) string {
	return c.BaseURL + path
}

// searchResponseWire keeps pointers so an absent "matches" key can be told
// apart from an empty list.
type searchResponseWire struct {
	Matches *[]models.PhotoMatch `json:"matches"`
	Note    *string              `json:"note"`
}

// Search uploads the image as multipart field "selfie" and decodes the match list.
// Any non-2xx status or a body without a "matches" array is an error.
func (c *Client) Search(ctx context.Context, blob models.ImageBlob) (*models.SearchResponse, error) {
	body, contentType, err := encodeSelfie(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding multipart body: %v", ErrRequest, err)
	}

	reqURL := c.endpoint(SearchPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request for %s: %v", ErrRequest, reqURL, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	log.WithFields(log.Fields{"url": reqURL, "bytes": blob.Size(), "mime": blob.MimeType}).Debug("Sending search request")
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: performing request for %s: %w", ErrRequest, reqURL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrBadResponse, err)
	}

	var wire searchResponseWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		log.Debugf("Response body causing unmarshal error: %s", string(raw))
		return nil, fmt.Errorf("%w: decoding search response: %v", ErrBadResponse, err)
	}
	if wire.Matches == nil {
		return nil, fmt.Errorf("%w: search response has no matches list", ErrBadResponse)
	}

	out := &models.SearchResponse{Matches: *wire.Matches}
	if wire.Note != nil {
		out.Note = *wire.Note
	}
	log.Debugf("Search returned %d matches", len(out.Matches))
	return out, nil
}

// FetchPhoto GETs a full-resolution photo. The caller closes the body.
// The returned size is -1 when the server does not announce it.
func (c *Client) FetchPhoto(ctx context.Context, photoURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: creating request for %s: %v", ErrRequest, photoURL, err)
	}
	return c.doBinary(req)
}

// DownloadArchive asks the service to bundle the given photo URLs into one archive.
func (c *Client) DownloadArchive(ctx context.Context, urls []string) (io.ReadCloser, int64, error) {
	payload, err := json.Marshal(models.ArchiveRequest{URLs: urls})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: encoding archive request: %v", ErrRequest, err)
	}

	reqURL := c.endpoint(ArchivePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: creating request for %s: %v", ErrRequest, reqURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doBinary(req)
}

func (c *Client) doBinary(req *http.Request) (io.ReadCloser, int64, error) {
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: performing request for %s: %w", ErrRequest, req.URL, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, resp.Request.URL)
	}
	return fmt.Errorf("%w: received status %d from %s: %s", ErrHttpStatus, resp.StatusCode, resp.Request.URL, msg)
}

// encodeSelfie builds the multipart body. The part keeps the blob's MIME type
// instead of the application/octet-stream CreateFormFile would set.
func encodeSelfie(blob models.ImageBlob) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := blob.Filename
	if filename == "" {
		filename = "selfie.jpg"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     SelfieField,
		"filename": filename,
	}))
	contentType := blob.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(blob.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}
