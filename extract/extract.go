// Package extract unpacks the downloaded zip archives into the directory the
// decoder reads from.
package extract

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Stats summarizes an extraction stage.
type Stats struct {
	Extracted int
	Missing   int
	Errored   []string
	Elapsed   time.Duration
}

func extractFile(f *zip.File, dir string) error {
	// zip entries are attacker-controlled paths, never let them escape dir
	pth := filepath.Join(dir, filepath.Base(f.Name))
	if f.FileInfo().IsDir() {
		return nil
	}
	r, err := f.Open()
	if err != nil {
		return fmt.Errorf("error opening %s in the archive: %w", f.Name, err)
	}
	defer r.Close()
	out, err := os.Create(pth)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", pth, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("error writing %s: %w", pth, err)
	}
	return nil
}

func extractArchive(pth, dir string) error {
	z, err := zip.OpenReader(pth)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", pth, err)
	}
	defer z.Close()
	for _, f := range z.File {
		if err := extractFile(f, dir); err != nil {
			return err
		}
	}
	return nil
}

// Extract unpacks every zip archive from src into dst. Archives that were
// never downloaded are counted as missing, extraction failures as errors;
// neither stops the remaining archives.
func Extract(files []string, src, dst string) *Stats {
	started := time.Now()
	var stats Stats
	for i, name := range files {
		if !strings.HasSuffix(strings.ToLower(name), ".zip") {
			continue
		}
		pth := filepath.Join(src, name)
		if _, err := os.Stat(pth); err != nil {
			slog.Warn("Archive not found, probably not downloaded", "file", name)
			stats.Missing++
			continue
		}
		slog.Info("Extracting", "file", name, "position", fmt.Sprintf("%d/%d", i+1, len(files)))
		if err := extractArchive(pth, dst); err != nil {
			slog.Error("Could not extract", "file", name, "error", err)
			stats.Errored = append(stats.Errored, name)
			continue
		}
		stats.Extracted++
	}
	stats.Elapsed = time.Since(started)
	return &stats
}
