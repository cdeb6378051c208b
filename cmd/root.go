// Package cmd wires the pipeline stages into a command line interface.
package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbeppler/cnpj-etl/config"
	"github.com/vbeppler/cnpj-etl/db"
)

const help = `Batch ETL for the Federal Revenue's public CNPJ dataset.

Downloads the monthly zip archives, extracts them, decodes the Latin-1
semicolon-separated files and bulk-loads them into PostgreSQL, recreating one
table per source kind and indexing the CNPJ join key at the end.`

var (
	envFile string
	period  string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "cnpj-etl",
	Short: "ETL for the Federal Revenue CNPJ open dataset",
	Long:  help,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		lvl := slog.LevelInfo
		if debug {
			lvl = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	},
}

func loadConfig() (*config.Config, error) {
	pth := envFile
	if pth == "" {
		if _, err := os.Stat(".env"); err == nil {
			pth = ".env"
		}
	}
	c, err := config.Load(pth)
	if err != nil {
		return nil, fmt.Errorf("could not load the configuration: %w", err)
	}
	return c, nil
}

func loadDatabase(c *config.Config) (*db.PostgreSQL, error) {
	cfg := db.LoadConfig{
		Strategy:    db.Strategy(c.LoadStrategy),
		BatchSize:   c.LoadBatchSize,
		CommitEvery: c.LoadCommitEvery,
		Workers:     c.LoadWorkers,
		ParallelMin: db.DefaultParallelMin,
		Timeout:     c.LoadTimeout,
	}
	pg, err := db.NewPostgreSQL(c.URI(), cfg)
	if err != nil {
		return nil, fmt.Errorf("could not connect to the database: %w", err)
	}
	return pg, nil
}

// confirm asks the user a yes/no question on the terminal, defaulting to no.
func confirm(q string) bool {
	fmt.Printf("%s [y/N] ", q)
	r := bufio.NewReader(os.Stdin)
	a, err := r.ReadString('\n')
	if err != nil {
		return false
	}
	a = strings.ToLower(strings.TrimSpace(a))
	return a == "y" || a == "yes" || a == "s" || a == "sim"
}

// Execute runs the CLI.
func Execute() {
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", "", "path to the .env configuration file (default: ./.env when present)")
	rootCmd.PersistentFlags().StringVarP(&period, "period", "p", time.Now().Format("2006-01"), "dataset period to process (YYYY-MM)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(downloadCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(urlsCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
