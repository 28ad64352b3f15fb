package cmd

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-photo-finder/internal/api"
	"go-photo-finder/internal/config"
	"go-photo-finder/internal/downloader"
	"go-photo-finder/internal/models"
)

var (
	cfgFile         string
	logApiFlag      bool
	savePathFlag    string
	apiUrlFlag      string
	apiTimeoutFlag  int
	submitDelayFlag int
	logLevel        string
	logFormat       string
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport is the base transport, wrapped for logging when --log-api is set
var globalHttpTransport http.RoundTripper = http.DefaultTransport

var rootCmd = &cobra.Command{
	Use:   "photo-finder",
	Short: "Find event photos of yourself by submitting a selfie",
	Long: `photo-finder submits a photo of you (from a file or a camera frame source)
to an event photo matching service, lists the photos you appear in and
downloads them individually or as one archive.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute runs the root command with signal handling and a --version flag.
func Execute(ctx context.Context, version string) error {
	defer closeHttpTransport()
	return fang.Execute(
		ctx,
		rootCmd,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	)
}

func closeHttpTransport() {
	if lt, ok := globalHttpTransport.(*api.LoggingTransport); ok {
		log.Debug("Closing API logging transport file.")
		if err := lt.Close(); err != nil {
			log.WithError(err).Error("Error closing API log file")
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&savePathFlag, "save-path", "", "Directory (or bucket key prefix) for downloaded photos (overrides config)")
	rootCmd.PersistentFlags().StringVar(&apiUrlFlag, "api-url", "", "Base URL of the matching service (overrides config and "+config.ApiUrlEnv+")")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().IntVar(&submitDelayFlag, "submit-delay", -1, "Pause before a search is sent in ms (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
}

// initLogging configures logrus based on persistent flags
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.Debugf("Logging configured: Level=%s, Format=%s", log.GetLevel(), logFormat)
}

// loadGlobalConfig loads config.toml, applies flag overrides and sets up the
// shared HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if cmd.Flags().Changed("save-path") {
		if savePathFlag != "" {
			derived := models.Config{SavePath: globalConfig.SavePath}
			config.ApplyDefaults(&derived)
			globalConfig.SavePath = savePathFlag
			// Derived paths follow the new save path unless set explicitly.
			if globalConfig.DatabasePath == derived.DatabasePath {
				globalConfig.DatabasePath = filepath.Join(savePathFlag, ".photo_finder_db")
			}
			if globalConfig.BleveIndexPath == derived.BleveIndexPath {
				globalConfig.BleveIndexPath = filepath.Join(savePathFlag, ".photo_finder.bleve")
			}
		} else {
			log.Warn("--save-path flag provided but value is empty, ignoring.")
		}
	}
	if cmd.Flags().Changed("api-url") {
		globalConfig.ApiUrl = strings.TrimRight(strings.TrimSpace(apiUrlFlag), "/")
	}
	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}
	if cmd.Flags().Changed("submit-delay") {
		if submitDelayFlag >= 0 {
			globalConfig.SubmitDelayMs = submitDelayFlag
		} else {
			log.Warnf("--submit-delay flag provided with invalid value %d, using config value: %d ms", submitDelayFlag, globalConfig.SubmitDelayMs)
		}
	}

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if _, statErr := os.Stat(globalConfig.SavePath); statErr == nil {
			logFilePath = filepath.Join(globalConfig.SavePath, logFilePath)
		}
		lt, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			log.Infof("API logging to file: %s", logFilePath)
			globalHttpTransport = lt
		}
	}
	return nil
}

func newApiClient() *api.Client {
	return api.NewClient(globalConfig.ApiUrl, &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
	})
}

// newSaver returns the save target selected by SaveTarget.
func newSaver() (downloader.Saver, error) {
	if globalConfig.SaveTarget == "s3" {
		return downloader.NewBucketSaver(globalConfig)
	}
	return downloader.NewDirSaver(globalConfig.SavePath), nil
}
