package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"go-photo-finder/internal/helpers"
	"go-photo-finder/internal/models"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validateOutputFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (expected text, json or yaml)", format)
}

// writeStructured encodes v as indented JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q is not structured", format)
}

// findResult is the structured output of a non-interactive find.
type findResult struct {
	Search    models.SearchState      `json:"search" yaml:"search"`
	Downloads []models.DownloadRecord `json:"downloads,omitempty" yaml:"downloads,omitempty"`
}

func renderState(w io.Writer, st models.SearchState) {
	switch st.Phase {
	case models.PhaseLoading:
		fmt.Fprintln(w, "Searching for your photos...")
		return
	case models.PhaseIdle:
		if st.ErrorMessage != "" {
			fmt.Fprintf(w, "Error: %s\n", st.ErrorMessage)
		}
		return
	}

	if len(st.Matches) == 0 {
		fmt.Fprintln(w, st.ErrorMessage)
		return
	}
	fmt.Fprintf(w, "Found %d photo(s):\n", len(st.Matches))
	for i, m := range st.Matches {
		fmt.Fprintf(w, "  %2d. %-16s %s\n", i+1, m.PhotoID, m.URL)
	}
}

func renderJob(w io.Writer, job *models.DownloadJob) {
	if job.Status == models.StatusComplete {
		fmt.Fprintf(w, "Saved %s (%s)\n", job.SavedPath, helpers.BytesToSize(job.Size))
		return
	}
	fmt.Fprintf(w, "Failed %s: %v\n", job.Filename, job.Err)
}

func renderRecords(w io.Writer, recs []models.DownloadRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No downloads recorded.")
		return
	}
	for _, r := range recs {
		target := r.SavedPath
		if target == "" {
			target = r.Filename
		}
		line := fmt.Sprintf("%s  %-8s %-8s %s", r.FinishedAt.Format("2006-01-02 15:04:05"), r.Kind, r.Status, target)
		if r.Status == models.StatusComplete {
			line += " (" + helpers.BytesToSize(r.Size) + ")"
		} else if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(w, line)
	}
}

type galleryActionKind int

const (
	actionNone galleryActionKind = iota
	actionDownload
	actionDownloadAll
	actionDownloadEach
	actionHome
	actionQuit
)

type galleryAction struct {
	kind    galleryActionKind
	indexes []int // 0-based, for actionDownload
}

var errBadSelection = errors.New("invalid selection")

// parseGalleryInput reads one gallery command: photo numbers ("1 3", "2,4"),
// a(ll), e(ach), h(ome) or q(uit).
func parseGalleryInput(input string, count int) (galleryAction, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	switch input {
	case "":
		return galleryAction{kind: actionNone}, nil
	case "a", "all":
		return galleryAction{kind: actionDownloadAll}, nil
	case "e", "each":
		return galleryAction{kind: actionDownloadEach}, nil
	case "h", "home":
		return galleryAction{kind: actionHome}, nil
	case "q", "quit", "exit":
		return galleryAction{kind: actionQuit}, nil
	}

	fields := strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == ' ' })
	seen := make(map[int]bool)
	var indexes []int
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return galleryAction{}, fmt.Errorf("%w: %q is not a photo number", errBadSelection, f)
		}
		if n < 1 || n > count {
			return galleryAction{}, fmt.Errorf("%w: %d is out of range 1-%d", errBadSelection, n, count)
		}
		if !seen[n] {
			seen[n] = true
			indexes = append(indexes, n-1)
		}
	}
	return galleryAction{kind: actionDownload, indexes: indexes}, nil
}

// selectMatches resolves photo IDs or 1-based numbers against matches.
func selectMatches(selectors []string, matches []models.PhotoMatch) ([]models.PhotoMatch, error) {
	var out []models.PhotoMatch
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		found := false
		for _, m := range matches {
			if m.PhotoID == sel {
				out = append(out, m)
				found = true
				break
			}
		}
		if found {
			continue
		}
		if n, err := strconv.Atoi(sel); err == nil && n >= 1 && n <= len(matches) {
			out = append(out, matches[n-1])
			continue
		}
		return nil, fmt.Errorf("%w: no match %q", errBadSelection, sel)
	}
	return out, nil
}
