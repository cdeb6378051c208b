package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbeppler/cnpj-etl/config"
	"github.com/vbeppler/cnpj-etl/download"
)

const downloadRetries = 3

// discover lists the zip archives published for the configured period.
func discover() (string, []string, error) {
	url := download.ListingURL(period)
	slog.Info("Looking for files", "period", period, "url", url)
	files, err := download.ListFiles(&http.Client{Timeout: 30 * time.Second}, url)
	if err != nil {
		return "", nil, err
	}
	slog.Info(fmt.Sprintf("Found %d file(s) to download", len(files)))
	return url, files, nil
}

// runDownload fetches the period's archives, asking for confirmation when
// more than half of them failed.
func runDownload(c *config.Config) ([]string, error) {
	url, files, err := discover()
	if err != nil {
		return nil, err
	}
	stats := download.Download(url, files, c.DownloadDir, c.DownloadWorkers, c.DownloadTimeout, downloadRetries)
	slog.Info(
		"Download finished",
		"downloaded", stats.Downloaded,
		"skipped", stats.Skipped,
		"errors", len(stats.Errored),
		"elapsed", stats.Elapsed.Round(time.Second),
	)
	if stats.ErrorRate() > 0.5 {
		for _, f := range stats.Errored {
			slog.Warn("Download failed", "file", f)
		}
		if !confirm("More than half of the files failed to download. Continue anyway?") {
			return nil, fmt.Errorf("aborted by the user after %d download error(s)", len(stats.Errored))
		}
	}
	return files, nil
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Downloads the zip archives for the period",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			_, err = runDownload(c)
			return err
		},
	}
}

func urlsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "urls",
		Short: "Shows the URLs that would be downloaded",
		RunE: func(_ *cobra.Command, _ []string) error {
			url := download.ListingURL(period)
			files, err := download.ListFiles(&http.Client{Timeout: 30 * time.Second}, url)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Println(url + f)
			}
			return nil
		},
	}
}
