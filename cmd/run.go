package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbeppler/cnpj-etl/extract"
	"github.com/vbeppler/cnpj-etl/transform"
)

// localArchives lists the zip archives already in the download directory, so
// extraction works offline, without the listing page.
func localArchives(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.zip"))
	if err != nil {
		return nil, fmt.Errorf("error listing archives in %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no zip archives found in %s, run the download first", dir)
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}
	return names, nil
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extracts the downloaded zip archives",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			files, err := localArchives(c.DownloadDir)
			if err != nil {
				return err
			}
			s := extract.Extract(files, c.DownloadDir, c.ExtractDir)
			slog.Info(
				"Extraction finished",
				"extracted", s.Extracted,
				"missing", s.Missing,
				"errors", len(s.Errored),
				"elapsed", s.Elapsed.Round(time.Second),
			)
			return nil
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Decodes the extracted files and bulk-loads them into PostgreSQL",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			pg, err := loadDatabase(c)
			if err != nil {
				return err
			}
			defer pg.Close()
			rep, err := transform.Load(context.Background(), c.ExtractDir, pg)
			if err != nil {
				return err
			}
			fmt.Print(rep)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the whole pipeline: download, extract, load and index",
		RunE: func(_ *cobra.Command, _ []string) error {
			started := time.Now()
			c, err := loadConfig()
			if err != nil {
				return err
			}
			// connect before downloading anything so a bad database
			// configuration fails fast
			pg, err := loadDatabase(c)
			if err != nil {
				return err
			}
			defer pg.Close()
			files, err := runDownload(c)
			if err != nil {
				return err
			}
			s := extract.Extract(files, c.DownloadDir, c.ExtractDir)
			slog.Info(
				"Extraction finished",
				"extracted", s.Extracted,
				"missing", s.Missing,
				"errors", len(s.Errored),
				"elapsed", s.Elapsed.Round(time.Second),
			)
			rep, err := transform.Load(context.Background(), c.ExtractDir, pg)
			if err != nil {
				return err
			}
			fmt.Print(rep)
			slog.Info("Pipeline finished", "period", period, "elapsed", time.Since(started).Round(time.Second))
			return nil
		},
	}
}
