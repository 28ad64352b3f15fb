package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-photo-finder/index"
	"go-photo-finder/internal/database"
	"go-photo-finder/internal/helpers"
	"go-photo-finder/internal/models"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List downloads recorded in the local ledger",
	Long: `Lists every download attempt recorded by 'find', newest first.
The ledger is an audit trail only; it never restores a search.`,
	RunE: runHistoryList,
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check saved photos against the digests recorded at download time",
	RunE:  runHistoryVerify,
}

var historySearchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search the index of saved photos",
	Long: `Runs a bleve query string against saved photos, e.g. "photoId:ab12" or
"searchId:<uuid>" or a plain term matched against file names and URLs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHistorySearch,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyVerifyCmd)
	historyCmd.AddCommand(historySearchCmd)

	historyCmd.PersistentFlags().StringP("output", "o", formatText, "Output format (text, json, yaml)")
	historyCmd.Flags().IntP("limit", "l", 0, "Show at most this many entries (0 for all)")
	historyCmd.Flags().Bool("failed", false, "Only show failed downloads")
	historySearchCmd.Flags().IntP("limit", "l", 20, "Maximum number of hits")

	viper.BindPFlag("history.output", historyCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("history.limit", historyCmd.Flags().Lookup("limit"))
	viper.BindPFlag("history.failed", historyCmd.Flags().Lookup("failed"))
	viper.BindPFlag("history.search_limit", historySearchCmd.Flags().Lookup("limit"))
}

func openLedger() (*database.DB, error) {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error opening download ledger at %s: %w", globalConfig.DatabasePath, err)
	}
	return db, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	format := viper.GetString("history.output")
	if err := validateOutputFormat(format); err != nil {
		return err
	}
	db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.ListJobs()
	if err != nil {
		return err
	}
	recs = filterRecords(recs, viper.GetBool("history.failed"), viper.GetInt("history.limit"))

	if format != formatText {
		if recs == nil {
			recs = []models.DownloadRecord{}
		}
		return writeStructured(cmd.OutOrStdout(), format, recs)
	}
	renderRecords(cmd.OutOrStdout(), recs)
	return nil
}

func filterRecords(recs []models.DownloadRecord, failedOnly bool, limit int) []models.DownloadRecord {
	var out []models.DownloadRecord
	for _, r := range recs {
		if failedOnly && r.Status != models.StatusFailed {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// verifyResult is one line of `history verify` output.
type verifyResult struct {
	JobID  string `json:"jobId" yaml:"jobId"`
	Path   string `json:"path" yaml:"path"`
	Status string `json:"status" yaml:"status"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

const (
	verifyOK       = "ok"
	verifyMismatch = "mismatch"
	verifyMissing  = "missing"
	verifySkipped  = "skipped"
)

// verifyRecord rehashes a locally saved file and compares it with the
// ledger. Bucket uploads and failed jobs are skipped.
func verifyRecord(rec models.DownloadRecord) verifyResult {
	res := verifyResult{JobID: rec.JobID, Path: rec.SavedPath}
	switch {
	case rec.Status != models.StatusComplete:
		res.Status, res.Detail = verifySkipped, "download did not complete"
		return res
	case rec.SavedPath == "" || strings.HasPrefix(rec.SavedPath, "s3://"):
		res.Status, res.Detail = verifySkipped, "not saved on local disk"
		return res
	}

	got, err := helpers.FileBlake3(rec.SavedPath)
	if errors.Is(err, os.ErrNotExist) {
		res.Status = verifyMissing
		return res
	}
	if err != nil {
		res.Status, res.Detail = verifyMismatch, err.Error()
		return res
	}
	if !strings.EqualFold(got, rec.Blake3) {
		res.Status = verifyMismatch
		res.Detail = fmt.Sprintf("expected %s, got %s", rec.Blake3, got)
		return res
	}
	res.Status = verifyOK
	return res
}

func runHistoryVerify(cmd *cobra.Command, args []string) error {
	format := viper.GetString("history.output")
	if err := validateOutputFormat(format); err != nil {
		return err
	}
	db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.ListJobs()
	if err != nil {
		return err
	}

	results := make([]verifyResult, 0, len(recs))
	bad := 0
	for _, rec := range recs {
		res := verifyRecord(rec)
		if res.Status == verifyMismatch || res.Status == verifyMissing {
			bad++
			log.WithFields(log.Fields{"job": rec.JobID, "path": rec.SavedPath}).Warnf("Saved photo %s", res.Status)
		}
		results = append(results, res)
	}

	out := cmd.OutOrStdout()
	if format != formatText {
		if err := writeStructured(out, format, results); err != nil {
			return err
		}
	} else {
		renderVerify(out, results)
	}
	if bad > 0 {
		return fmt.Errorf("%d saved file(s) failed verification", bad)
	}
	return nil
}

func renderVerify(w io.Writer, results []verifyResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No downloads recorded.")
		return
	}
	for _, r := range results {
		line := fmt.Sprintf("%-8s %s", r.Status, r.Path)
		if r.Path == "" {
			line = fmt.Sprintf("%-8s job %s", r.Status, r.JobID)
		}
		if r.Detail != "" {
			line += " (" + r.Detail + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func runHistorySearch(cmd *cobra.Command, args []string) error {
	format := viper.GetString("history.output")
	if err := validateOutputFormat(format); err != nil {
		return err
	}
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return fmt.Errorf("error opening photo index at %s: %w", globalConfig.BleveIndexPath, err)
	}
	defer idx.Close()

	query := strings.Join(args, " ")
	result, err := index.SearchIndex(idx, query, viper.GetInt("history.search_limit"))
	if err != nil {
		return err
	}

	items := make([]index.Item, 0, len(result.Hits))
	for _, hit := range result.Hits {
		items = append(items, index.ItemFromFields(hit.ID, hit.Fields))
	}

	out := cmd.OutOrStdout()
	if format != formatText {
		return writeStructured(out, format, items)
	}
	if len(items) == 0 {
		fmt.Fprintf(out, "No saved photos match %q.\n", query)
		return nil
	}
	fmt.Fprintf(out, "%d of %d hit(s) for %q:\n", len(items), result.Total, query)
	for _, it := range items {
		fmt.Fprintf(out, "  %s  %-8s %s (%s)\n", it.SavedAt.Format("2006-01-02 15:04"), it.Type, it.FilePath, helpers.BytesToSize(uint64(it.SizeBytes)))
	}
	return nil
}
