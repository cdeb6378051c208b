// Package config resolves the settings for a pipeline run from a .env file
// and the process environment, validating required values before any network
// or database activity starts.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrEnvFileNotFound is returned when the .env file does not exist. Callers
// can check for it with errors.Is and fall back to the process environment.
var ErrEnvFileNotFound = errors.New(".env file not found")

var requiredVars = [...]string{
	"DB_HOST",
	"DB_PORT",
	"DB_USER",
	"DB_PASSWORD",
	"DB_NAME",
	"OUTPUT_FILES_PATH",
	"EXTRACTED_FILES_PATH",
}

// Defaults for the optional tuning knobs.
const (
	DefaultDownloadWorkers = 5
	DefaultDownloadTimeout = 30 * time.Minute
	DefaultLoadStrategy    = "copy"
	DefaultLoadBatchSize   = 10000
	DefaultLoadCommitEvery = 100000
	DefaultLoadWorkers     = 1
	DefaultLoadTimeout     = time.Hour
)

// Config holds every setting the pipeline needs, resolved once at startup.
type Config struct {
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// DownloadDir receives the zip archives, ExtractDir the plain files.
	DownloadDir string
	ExtractDir  string

	DownloadWorkers int
	DownloadTimeout time.Duration

	LoadStrategy    string
	LoadBatchSize   int
	LoadCommitEvery int
	LoadWorkers     int
	LoadTimeout     time.Duration
}

// URI builds the PostgreSQL connection string, escaping the password so
// passwords with special characters do not break the URL.
func (c *Config) URI() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPassword),
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}

func intVar(name string, dflt int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return dflt, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return i, nil
}

func durationVar(name string, dflt time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return dflt, nil
	}
	if s, err := strconv.Atoi(v); err == nil { // plain number means seconds
		return time.Duration(s) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return d, nil
}

// Load reads the .env file at pth (skipped with a warning if pth is empty or
// missing), validates the required variables and resolves the tuning knobs.
func Load(pth string) (*Config, error) {
	if pth != "" {
		if err := godotenv.Load(pth); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrEnvFileNotFound, pth)
			}
			return nil, fmt.Errorf("error loading %s: %w", pth, err)
		}
		slog.Debug("Loaded environment file", "path", pth)
	}
	var missing []string
	for _, v := range requiredVars[:] {
		if os.Getenv(v) == "" {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	port, err := strconv.Atoi(os.Getenv("DB_PORT"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT %q: %w", os.Getenv("DB_PORT"), err)
	}
	c := Config{
		DBHost:      os.Getenv("DB_HOST"),
		DBPort:      port,
		DBUser:      os.Getenv("DB_USER"),
		DBPassword:  os.Getenv("DB_PASSWORD"),
		DBName:      os.Getenv("DB_NAME"),
		DownloadDir: os.Getenv("OUTPUT_FILES_PATH"),
		ExtractDir:  os.Getenv("EXTRACTED_FILES_PATH"),
	}
	if c.DownloadWorkers, err = intVar("DOWNLOAD_WORKERS", DefaultDownloadWorkers); err != nil {
		return nil, err
	}
	if c.DownloadTimeout, err = durationVar("DOWNLOAD_TIMEOUT", DefaultDownloadTimeout); err != nil {
		return nil, err
	}
	c.LoadStrategy = os.Getenv("LOAD_STRATEGY")
	if c.LoadStrategy == "" {
		c.LoadStrategy = DefaultLoadStrategy
	}
	if c.LoadStrategy != "copy" && c.LoadStrategy != "insert" {
		return nil, fmt.Errorf("invalid LOAD_STRATEGY %q: must be copy or insert", c.LoadStrategy)
	}
	if c.LoadBatchSize, err = intVar("LOAD_BATCH_SIZE", DefaultLoadBatchSize); err != nil {
		return nil, err
	}
	if c.LoadCommitEvery, err = intVar("LOAD_COMMIT_EVERY", DefaultLoadCommitEvery); err != nil {
		return nil, err
	}
	if c.LoadWorkers, err = intVar("LOAD_WORKERS", DefaultLoadWorkers); err != nil {
		return nil, err
	}
	if c.LoadTimeout, err = durationVar("LOAD_TIMEOUT", DefaultLoadTimeout); err != nil {
		return nil, err
	}
	for _, d := range []string{c.DownloadDir, c.ExtractDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("error creating directory %s: %w", d, err)
		}
	}
	return &c, nil
}
