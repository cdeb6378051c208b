// Package download discovers the monthly zip archives on the Federal
// Revenue's directory-listing page and fetches them in parallel, skipping
// files that are already on disk with the expected size.
package download

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// BaseURL is the root of the Federal Revenue's open-data CNPJ archives; the
// period (YYYY-MM) is appended to form the listing page of one month.
const BaseURL = "https://arquivos.receitafederal.gov.br/dados/cnpj/dados_abertos_cnpj/"

// ErrNoFiles means the listing page had no zip archives, usually because the
// requested period has not been published yet.
var ErrNoFiles = fmt.Errorf("no zip files found in the listing page")

var zipHref = regexp.MustCompile(`href="([^"]+\.zip)"`)

// ListingURL builds the directory-listing URL for a period such as 2025-08.
func ListingURL(period string) string { return BaseURL + period + "/" }

// ListFiles fetches the listing page and returns the sorted, de-duplicated
// zip file names found in it.
func ListFiles(client *http.Client, url string) ([]string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error fetching %s: got HTTP %s", url, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", url, err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, m := range zipHref.FindAllStringSubmatch(string(b), -1) {
		n := filepath.Base(m[1])
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, url)
	}
	sort.Strings(out)
	return out, nil
}

// needsDownload checks whether the remote file differs from the local copy
// by comparing the Content-Length header with the local size — a weak
// integrity check (no hash), kept because re-downloading on every run is
// worse. On mismatch the local file is deleted; on any doubt it reports
// that a download is needed.
func needsDownload(client *http.Client, url, pth string) bool {
	st, err := os.Stat(pth)
	if err != nil {
		return true // not downloaded yet
	}
	resp, err := client.Head(url)
	if err != nil {
		return true
	}
	defer resp.Body.Close()
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size != st.Size() {
		if err := os.Remove(pth); err != nil {
			slog.Warn("Could not remove outdated file", "path", pth, "error", err)
		}
		return true
	}
	return false
}

func fetch(client *http.Client, url, pth string) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("error sending request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("error downloading %s: got HTTP %s", url, resp.Status)
	}
	tmp := pth + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("error saving %s: %w", pth, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", tmp, err)
	}
	return os.Rename(tmp, pth)
}

// Stats summarizes a download stage. ErrorRate is used by the CLI to ask for
// confirmation when more than half of the files failed.
type Stats struct {
	Downloaded int
	Skipped    int
	Errored    []string
	Elapsed    time.Duration
}

func (s *Stats) ErrorRate() float64 {
	total := s.Downloaded + s.Skipped + len(s.Errored)
	if total == 0 {
		return 0
	}
	return float64(len(s.Errored)) / float64(total)
}

// Download fetches every file of the listing into dir, at most workers at a
// time, retrying each file and applying the per-file timeout. Per-file
// failures are recorded in the stats, not returned as errors.
func Download(listURL string, files []string, dir string, workers int, timeout time.Duration, retries uint) *Stats {
	started := time.Now()
	client := &http.Client{Timeout: timeout}
	bar := progressbar.Default(int64(len(files)), "Downloading")
	defer func() {
		if err := bar.Close(); err != nil {
			slog.Warn("Could not close the progress bar", "error", err)
		}
	}()
	var (
		mu    sync.Mutex // serializes stats and progress output
		stats Stats
	)
	done := func(f func(*Stats)) {
		mu.Lock()
		defer mu.Unlock()
		f(&stats)
		if err := bar.Add(1); err != nil {
			slog.Debug("Could not update progress bar", "error", err)
		}
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, name := range files {
		name := name
		g.Go(func() error {
			url := listURL + name
			pth := filepath.Join(dir, name)
			if !needsDownload(client, url, pth) {
				slog.Info("Already downloaded, skipping", "file", name)
				done(func(s *Stats) { s.Skipped++ })
				return nil
			}
			err := retry.Do(
				func() error { return fetch(client, url, pth) },
				retry.Attempts(retries),
				retry.OnRetry(func(n uint, err error) {
					slog.Warn("Retrying download", "file", name, "attempt", n+1, "error", err)
				}),
			)
			if err != nil {
				slog.Error("Could not download", "file", name, "error", err)
				done(func(s *Stats) { s.Errored = append(s.Errored, name) })
				return nil
			}
			slog.Info("Downloaded", "file", name)
			done(func(s *Stats) { s.Downloaded++ })
			return nil
		})
	}
	g.Wait() // workers never return errors, failures are in the stats
	stats.Elapsed = time.Since(started)
	return &stats
}
