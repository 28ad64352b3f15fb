// Package imagenorm turns inline data-URI images (as produced by a camera
// capture) into the same binary payload a user-selected file would give.
package imagenorm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go-photo-finder/internal/models"
)

var (
	ErrMalformedInput  = errors.New("malformed image data URI")
	ErrUnsupportedType = fmt.Errorf("%w: unsupported image type", ErrMalformedInput)
)

const dataURIPrefix = "data:"

// Normalize parses a base64 data URI and returns its payload as an ImageBlob
// carrying the URI's MIME type. Only JPEG and PNG payloads are accepted.
func Normalize(encodedImage string, filename string) (models.ImageBlob, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(encodedImage), dataURIPrefix)
	if !ok {
		return models.ImageBlob{}, fmt.Errorf("%w: missing %q prefix", ErrMalformedInput, dataURIPrefix)
	}

	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return models.ImageBlob{}, fmt.Errorf("%w: missing payload separator", ErrMalformedInput)
	}

	params := strings.Split(header, ";")
	mimeType := strings.ToLower(strings.TrimSpace(params[0]))
	if mimeType == "" || !strings.Contains(mimeType, "/") {
		return models.ImageBlob{}, fmt.Errorf("%w: missing MIME type", ErrMalformedInput)
	}

	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return models.ImageBlob{}, fmt.Errorf("%w: payload is not base64 encoded", ErrMalformedInput)
	}

	if !strings.HasPrefix(mimeType, "image/") {
		return models.ImageBlob{}, fmt.Errorf("%w: %s is not an image", ErrMalformedInput, mimeType)
	}
	canonical, ok := CanonicalMimeType(mimeType)
	if !ok {
		return models.ImageBlob{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return models.ImageBlob{}, fmt.Errorf("%w: invalid base64 payload: %v", ErrMalformedInput, err)
	}
	if len(data) == 0 {
		return models.ImageBlob{}, fmt.Errorf("%w: empty payload", ErrMalformedInput)
	}

	return models.ImageBlob{
		Filename: filename,
		MimeType: canonical,
		Data:     data,
	}, nil
}

// CanonicalMimeType maps accepted image MIME types to their canonical spelling.
func CanonicalMimeType(mimeType string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg", "image/jpg", "image/pjpeg":
		return "image/jpeg", true
	case "image/png":
		return "image/png", true
	}
	return "", false
}

// EncodeDataURI is the inverse of Normalize.
func EncodeDataURI(mimeType string, data []byte) string {
	return dataURIPrefix + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// decodeBase64 accepts padded and unpadded standard base64.
func decodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasSuffix(payload, "=") || len(payload)%4 == 0 {
		return base64.StdEncoding.DecodeString(payload)
	}
	return base64.RawStdEncoding.DecodeString(payload)
}
