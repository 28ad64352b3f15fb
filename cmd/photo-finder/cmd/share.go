package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-photo-finder/internal/helpers"
	"go-photo-finder/internal/models"
)

const sharePieceLength = 256 * 1024

var errNothingToShare = errors.New("no saved photos to share")

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Generate a .torrent for the photos saved so far",
	Long: `Builds a BitTorrent metainfo file covering the photos and archives recorded
in the download ledger, so a group can pass their gallery around. Only files
saved to the local save directory are included. Use --search-id to share the
results of one search.`,
	RunE: runShare,
}

func init() {
	rootCmd.AddCommand(shareCmd)

	shareCmd.Flags().StringSlice("announce", []string{}, "Tracker announce URL (repeatable)")
	shareCmd.Flags().String("output-dir", "", "Directory for the .torrent file (default: save path)")
	shareCmd.Flags().String("search-id", "", "Only include downloads from this search")
	shareCmd.Flags().String("name", "", "Torrent name (default: slug of the save directory name)")
	shareCmd.Flags().Bool("overwrite", false, "Replace an existing .torrent file")
	shareCmd.Flags().Bool("magnet", false, "Also write a magnet link next to the .torrent file")

	viper.BindPFlag("share.announce", shareCmd.Flags().Lookup("announce"))
	viper.BindPFlag("share.output_dir", shareCmd.Flags().Lookup("output-dir"))
	viper.BindPFlag("share.search_id", shareCmd.Flags().Lookup("search-id"))
	viper.BindPFlag("share.name", shareCmd.Flags().Lookup("name"))
	viper.BindPFlag("share.overwrite", shareCmd.Flags().Lookup("overwrite"))
	viper.BindPFlag("share.magnet", shareCmd.Flags().Lookup("magnet"))
}

func runShare(cmd *cobra.Command, args []string) error {
	if globalConfig.SaveTarget == "s3" {
		return errors.New("share only works with the local save directory (SaveTarget = \"dir\")")
	}
	trackers := viper.GetStringSlice("share.announce")
	root := globalConfig.SavePath

	db, err := openLedger()
	if err != nil {
		return err
	}
	recs, err := db.ListJobs()
	db.Close()
	if err != nil {
		return err
	}

	files, err := collectShareFiles(root, recs, viper.GetString("share.search_id"))
	if err != nil {
		return err
	}

	name := viper.GetString("share.name")
	if name == "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		name = helpers.ConvertToSlug(filepath.Base(abs))
		if name == "" {
			name = "photos"
		}
	}

	mi, err := buildTorrent(root, name, files, trackers)
	if err != nil {
		return err
	}

	outDir := viper.GetString("share.output_dir")
	if outDir == "" {
		outDir = root
	}
	outPath := filepath.Join(outDir, name+".torrent")
	if err := writeTorrentFile(mi, outPath, viper.GetBool("share.overwrite")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d file(s))\n", outPath, len(files))

	if viper.GetBool("share.magnet") {
		magnetPath := strings.TrimSuffix(outPath, ".torrent") + "-magnet.txt"
		uri := magnetURI(mi, name, trackers)
		if err := os.WriteFile(magnetPath, []byte(uri+"\n"), 0644); err != nil {
			log.WithError(err).WithField("path", magnetPath).Error("Failed to write magnet link file")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Magnet: %s\n", uri)
		}
	}
	return nil
}

// collectShareFiles lists completed downloads that still exist under root,
// as torrent file entries relative to root and sorted by path.
func collectShareFiles(root string, recs []models.DownloadRecord, searchID string) ([]metainfo.FileInfo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []metainfo.FileInfo
	for _, rec := range recs {
		if rec.Status != models.StatusComplete || rec.SavedPath == "" {
			continue
		}
		if searchID != "" && rec.SearchID != searchID {
			continue
		}
		absPath, err := filepath.Abs(rec.SavedPath)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, absPath)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			log.WithField("path", rec.SavedPath).Debug("Skipping file outside the save directory")
			continue
		}
		if seen[rel] {
			continue
		}
		fi, err := os.Stat(absPath)
		if err != nil {
			log.WithError(err).WithField("path", rec.SavedPath).Warn("Skipping saved file that can no longer be read")
			continue
		}
		seen[rel] = true
		files = append(files, metainfo.FileInfo{
			Length: fi.Size(),
			Path:   strings.Split(filepath.ToSlash(rel), "/"),
		})
	}
	if len(files) == 0 {
		return nil, errNothingToShare
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.Join(files[i].Path, "/") < strings.Join(files[j].Path, "/")
	})
	return files, nil
}

func buildTorrent(root, name string, files []metainfo.FileInfo, trackers []string) (*metainfo.MetaInfo, error) {
	mi := &metainfo.MetaInfo{
		AnnounceList: make([][]string, len(trackers)),
		CreatedBy:    "go-photo-finder",
		CreationDate: time.Now().Unix(),
	}
	for i, tracker := range trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
	}

	info := metainfo.Info{
		Name:        name,
		PieceLength: sharePieceLength,
		Files:       files,
	}
	err := info.GeneratePieces(func(fi metainfo.FileInfo) (io.ReadCloser, error) {
		return os.Open(filepath.Join(append([]string{root}, fi.Path...)...))
	})
	if err != nil {
		return nil, fmt.Errorf("error hashing torrent pieces: %w", err)
	}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("error marshaling torrent info: %w", err)
	}
	return mi, nil
}

func writeTorrentFile(mi *metainfo.MetaInfo, outPath string, overwrite bool) error {
	if _, err := os.Stat(outPath); err == nil {
		if !overwrite {
			return fmt.Errorf("%s already exists (use --overwrite to replace)", outPath)
		}
		log.WithField("path", outPath).Warn("Overwriting existing torrent file")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	return f.Close()
}

func magnetURI(mi *metainfo.MetaInfo, name string, trackers []string) string {
	parts := []string{
		"magnet:?xt=urn:btih:" + mi.HashInfoBytes().HexString(),
		"dn=" + url.QueryEscape(name),
	}
	for _, tracker := range trackers {
		parts = append(parts, "tr="+url.QueryEscape(tracker))
	}
	return strings.Join(parts, "&")
}
