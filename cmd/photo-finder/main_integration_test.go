package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	binaryName = "photo-finder"
	binaryPath string
)

// TestMain builds the binary once for all tests in the package.
func TestMain(m *testing.M) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Println("Could not get caller information")
		os.Exit(1)
	}

	buildDir, err := os.MkdirTemp("", "photo-finder-it")
	if err != nil {
		fmt.Printf("Could not create build dir: %v\n", err)
		os.Exit(1)
	}
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}
	binaryPath = filepath.Join(buildDir, binaryName)

	fmt.Println("Building binary for integration tests...")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	buildCmd.Dir = filepath.Dir(filename)
	if out, err := buildCmd.CombinedOutput(); err != nil {
		fmt.Printf("Failed to build binary: %v\nOutput:\n%s\n", err, string(out))
		os.Exit(1)
	}

	exitCode := m.Run()
	os.RemoveAll(buildDir)
	os.Exit(exitCode)
}

func runCommand(t *testing.T, dir string, args ...string) (string, string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PHOTO_FINDER_API_URL=")

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("Command failed with error: %v\nStderr:\n%s", err, stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

// writeWorkspace creates a config file pointing at a fresh save directory.
func writeWorkspace(t *testing.T) (dir, cfgPath, savePath string) {
	t.Helper()
	dir = t.TempDir()
	savePath = filepath.Join(dir, "photos")
	cfgPath = filepath.Join(dir, "config.toml")
	content := fmt.Sprintf("SavePath = %q\nSubmitDelayMs = 0\nConcurrency = 2\n", savePath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return dir, cfgPath, savePath
}

func writeJPEG(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "me.jpg")
	// SOI + APP0 marker is enough for content sniffing.
	data := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("selfie")...)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newEventServer(t *testing.T, ids ...string) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("selfie"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var matches []map[string]string
		for _, id := range ids {
			matches = append(matches, map[string]string{
				"photo_id": id,
				"url":      server.URL + "/photos/" + id,
				"thumb":    server.URL + "/thumbs/" + id,
			})
		}
		if matches == nil {
			json.NewEncoder(w).Encode(map[string]any{"matches": []any{}, "note": "Nobody like you here."})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"matches": matches})
	})
	mux.HandleFunc("/photos/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "photo "+strings.TrimPrefix(r.URL.Path, "/photos/"))
	})
	mux.HandleFunc("/download_zip", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "PK archive")
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestFindDownloadHistoryShare(t *testing.T) {
	server := newEventServer(t, "A1", "B2")
	dir, cfgPath, savePath := writeWorkspace(t)
	selfie := writeJPEG(t, dir)

	stdout, _, err := runCommand(t, dir, "--config", cfgPath, "--api-url", server.URL,
		"find", "--yes", "--image", selfie, "--download-each", "--download-all", "--progress=false")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Found 2 photo(s)")
	assert.Contains(t, stdout, "3 download(s), 0 failed")

	data, err := os.ReadFile(filepath.Join(savePath, "CUBYCSPO_Photo_A1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "photo A1", string(data))
	assert.FileExists(t, filepath.Join(savePath, "CUBYCSPO_Photo_B2.jpg"))
	assert.FileExists(t, filepath.Join(savePath, "CUBYCSPO_All_Photos.zip"))

	stdout, _, err = runCommand(t, dir, "--config", cfgPath, "history", "--output", "json")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &recs))
	assert.Len(t, recs, 3)

	_, _, err = runCommand(t, dir, "--config", cfgPath, "history", "verify")
	require.NoError(t, err)

	stdout, _, err = runCommand(t, dir, "--config", cfgPath, "history", "search", "+photoId:B2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "CUBYCSPO_Photo_B2.jpg")

	torrentDir := filepath.Join(dir, "share")
	stdout, _, err = runCommand(t, dir, "--config", cfgPath, "share",
		"--announce", "udp://tracker.example:80/announce", "--output-dir", torrentDir, "--name", "event", "--magnet")
	require.NoError(t, err)
	assert.Contains(t, stdout, "(3 file(s))")
	assert.FileExists(t, filepath.Join(torrentDir, "event.torrent"))
	assert.FileExists(t, filepath.Join(torrentDir, "event-magnet.txt"))
}

func TestFindNoMatchesUsesNote(t *testing.T) {
	server := newEventServer(t)
	dir, cfgPath, _ := writeWorkspace(t)
	selfie := writeJPEG(t, dir)

	stdout, _, err := runCommand(t, dir, "--config", cfgPath, "--api-url", server.URL,
		"find", "--yes", "--image", selfie, "--output", "yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "phase: results")
	assert.Contains(t, stdout, "Nobody like you here.")
}

func TestFindServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	dir, cfgPath, _ := writeWorkspace(t)
	selfie := writeJPEG(t, dir)

	stdout, _, err := runCommand(t, dir, "--config", cfgPath, "--api-url", server.URL,
		"find", "--yes", "--image", selfie)
	require.Error(t, err)
	assert.Contains(t, stdout, "Could not connect to the backend server.")
}

func TestFindRequiresPhotoSourceWithYes(t *testing.T) {
	dir, cfgPath, _ := writeWorkspace(t)
	_, _, err := runCommand(t, dir, "--config", cfgPath, "--api-url", "http://127.0.0.1:1", "find", "--yes")
	assert.Error(t, err)
}
