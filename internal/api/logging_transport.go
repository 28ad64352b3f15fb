package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport wraps an http.RoundTripper and appends a dump of every
// exchange to a log file. Multipart uploads and binary downloads are logged
// as headers only; JSON bodies are logged in full.
type LoggingTransport struct {
	Transport http.RoundTripper

	mu     sync.Mutex
	closer io.Closer
	writer *bufio.Writer
}

// NewLoggingTransport opens logFilePath for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	t := NewLoggingTransportWriter(transport, f)
	t.closer = f
	return t, nil
}

// NewLoggingTransportWriter logs to an arbitrary writer. Close only flushes.
func NewLoggingTransportWriter(transport http.RoundTripper, w io.Writer) *LoggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		writer:    bufio.NewWriter(w),
	}
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "application/json")
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()

	reqDump, err := httputil.DumpRequestOut(req, isJSON(req.Header.Get("Content-Type")))
	if err != nil {
		log.WithError(err).Warn("Failed to dump API request for logging")
		reqDump = []byte(req.Method + " " + req.URL.String())
	}

	resp, rtErr := t.Transport.RoundTrip(req)
	elapsed := time.Since(started)

	var entry strings.Builder
	fmt.Fprintf(&entry, "--- Request %s %s (%s) ---\n%s\n", req.Method, req.URL.Path, started.Format(time.RFC3339), reqDump)

	if rtErr != nil {
		fmt.Fprintf(&entry, "--- Transport error after %v ---\n%v\n", elapsed, rtErr)
		t.write(entry.String())
		return nil, rtErr
	}

	contentType := resp.Header.Get("Content-Type")
	headers, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		headers = []byte(resp.Status)
	}
	fmt.Fprintf(&entry, "--- Response %d after %v ---\n%s", resp.StatusCode, elapsed, headers)

	if isJSON(contentType) {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			fmt.Fprintf(&entry, "(body read failed: %v)\n", readErr)
			t.write(entry.String())
			return nil, fmt.Errorf("reading logged response body: %w", readErr)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		fmt.Fprintf(&entry, "%s\n", body)
	} else {
		fmt.Fprintf(&entry, "(%s body not logged)\n", contentType)
	}

	t.write(entry.String())
	return resp, nil
}

func (t *LoggingTransport) write(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(s + "\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing API log file: %v\n", err)
	}
}

// Close flushes the buffer and closes the log file, if one was opened.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", err)
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
