package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/tiergate/internal/api"
	"github.com/sprite-ai/tiergate/internal/model"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server exposing the tiergate engine.

Endpoints:
  GET  /health        — Health check
  POST /api/classify  — Tier for raw metrics
  POST /api/analyze   — Metrics, tier and optional validation for a diff
  POST /api/parse     — Parse a diff into structured files
  GET  /api/ws        — WebSocket: start a run and stream candidate outcomes
  GET  /metrics       — Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "127.0.0.1", "address to listen on")
	serveCmd.Flags().IntP("port", "p", 6142, "port to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	addr, _ := cmd.Flags().GetString("addr")
	port, _ := cmd.Flags().GetInt("port")

	srv := api.New(api.Options{
		Addr:     fmt.Sprintf("%s:%d", addr, port),
		Config:   a.cfg,
		Checks:   a.checks,
		Runner:   a.orch,
		Gatherer: a.registry,
		OnReport: func(r *model.RunReport) {
			if a.store == nil {
				return
			}
			if err := a.store.SaveRun(context.Background(), r); err != nil {
				a.logger.Warn("saving run history failed", "run", r.ID, "error", err)
			}
		},
		Logger: a.logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errc
}
