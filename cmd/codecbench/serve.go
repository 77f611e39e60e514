package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gwlsn/codecbench/internal/api"
	"github.com/gwlsn/codecbench/internal/logger"
	"github.com/gwlsn/codecbench/internal/store"
)

var serveFlags struct {
	port     int
	interval time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job ledger over a read-only HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		st, err := store.OpenReadOnly(cfg.GetDatabasePath())
		if err != nil {
			return err
		}
		defer st.Close()

		ledger := api.NewLedger(st, serveFlags.interval)
		if err := ledger.Refresh(); err != nil {
			return err
		}
		go func() {
			if err := ledger.Run(ctx); err != nil {
				logger.Error("Ledger polling stopped", "error", err)
			}
		}()

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", serveFlags.port),
			Handler:           api.NewRouter(api.NewHandler(ledger, Version)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			logger.Info("Shutdown signal received")
			server.Close()
		}()

		logger.Info("Status server started", "version", Version, "port", serveFlags.port, "ledger", st.Path())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		logger.Info("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 8080, "port to listen on")
	serveCmd.Flags().DurationVar(&serveFlags.interval, "interval", 2*time.Second, "ledger polling interval")
}
