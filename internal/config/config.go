package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go-photo-finder/internal/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// ApiUrlEnv overrides ApiUrl from the config file. It may also be set in a .env file.
const ApiUrlEnv = "PHOTO_FINDER_API_URL"

const (
	DefaultFilenamePrefix      = "CUBYCSPO"
	DefaultSubmitDelayMs       = 1500
	DefaultApiClientTimeoutSec = 60
	DefaultConcurrency         = 3
	DefaultSaveTarget          = "dir"
)

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml").
// A missing file is not an error: defaults plus environment overrides are returned.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	md, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
		}
		log.Debugf("Config file %s not found, using defaults", configFilePath)
	} else {
		log.Infof("Configuration loaded from %s", configFilePath)
	}
	if !md.IsDefined("SubmitDelayMs") {
		cfg.SubmitDelayMs = DefaultSubmitDelayMs
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyEnv loads a .env file if present and applies environment overrides.
func ApplyEnv(cfg *models.Config) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("Failed to parse .env file")
	}
	if v := strings.TrimSpace(os.Getenv(ApiUrlEnv)); v != "" {
		log.Debugf("Overriding ApiUrl from %s", ApiUrlEnv)
		cfg.ApiUrl = v
	}
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *models.Config) {
	cfg.ApiUrl = strings.TrimRight(strings.TrimSpace(cfg.ApiUrl), "/")
	if cfg.FilenamePrefix == "" {
		cfg.FilenamePrefix = DefaultFilenamePrefix
	}
	if cfg.SubmitDelayMs < 0 {
		cfg.SubmitDelayMs = 0
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiClientTimeoutSec
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.SaveTarget == "" {
		cfg.SaveTarget = DefaultSaveTarget
	}
	if cfg.SavePath == "" {
		cfg.SavePath = "photos"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.SavePath, ".photo_finder_db")
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = filepath.Join(cfg.SavePath, ".photo_finder.bleve")
	}
}

// Validate reports configuration that makes searching impossible.
func Validate(cfg models.Config) error {
	if cfg.ApiUrl == "" {
		return fmt.Errorf("ApiUrl is not set (config file, %s or --api-url)", ApiUrlEnv)
	}
	switch cfg.SaveTarget {
	case "dir":
	case "s3":
		if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
			return errors.New("SaveTarget is s3 but S3Endpoint or S3Bucket is not set")
		}
	default:
		return fmt.Errorf("unknown SaveTarget %q (expected dir or s3)", cfg.SaveTarget)
	}
	return nil
}
