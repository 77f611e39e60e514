package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gwlsn/codecbench/internal/config"
	"github.com/gwlsn/codecbench/internal/jobs"
	"github.com/gwlsn/codecbench/internal/logger"
	"github.com/gwlsn/codecbench/internal/store"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath string
	outputDir  string
	logLevel   string
	workers    int

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "codecbench",
	Short: "Configure, run and report MPEG codec test campaigns",
	Long: `codecbench drives the reference software of MPEG immersive video (TMIV)
and video-based point cloud compression (TMC2) test campaigns: it writes
build graphs, runs encode/decode/metric jobs, and collects the results into
Markdown tables, CSV files and reporting workbooks.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("codecbench", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CODECBENCH_CONFIG or ./codecbench.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "override the output directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "j", 0, "override the number of parallel jobs")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mvdCmd)
	rootCmd.AddCommand(pccCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, then applies environment and flag
// overrides, in that order.
func loadConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		if env := os.Getenv("CODECBENCH_CONFIG"); env != "" {
			path = env
		} else {
			path = "codecbench.yaml"
		}
	}

	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if env := os.Getenv("CODECBENCH_OUTPUT_DIR"); env != "" {
		c.OutputDir = env
	}
	if outputDir != "" {
		c.OutputDir = outputDir
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if workers != 0 {
		c.Workers = workers
	}

	logger.InitWith(os.Stderr, c.LogLevel, c.LogFormat)
	if !jobs.IsValidWorkerCount(c.Workers) {
		clamped := jobs.ClampWorkerCount(c.Workers)
		logger.Warn("Worker count out of range", "workers", c.Workers, "using", clamped)
		c.Workers = clamped
	}
	logger.Debug("Config loaded", "path", path, "output_dir", c.OutputDir, "workers", c.Workers)
	cfg = c
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openQueue opens the job ledger and a queue persisted into it. Jobs an
// earlier run left pending are cancelled: their work is planned again from
// the files on disk.
func openQueue() (*jobs.Queue, func(), error) {
	q, closeStore, err := openLedger()
	if err != nil {
		return nil, nil, err
	}
	if n := q.CancelAll(); n > 0 {
		logger.Info("Cancelled jobs left pending by a previous run", "count", n)
	}
	return q, closeStore, nil
}

// openLedger opens the job ledger as a queue. Pending jobs are kept.
func openLedger() (*jobs.Queue, func(), error) {
	dbPath := cfg.GetDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, nil, err
	}
	st, err := store.InitStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	q, err := jobs.NewQueueWithStore(st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return q, func() { st.Close() }, nil
}
