package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(g *globalFlags) *cobra.Command {
	var maintenanceEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node's HTTP API",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := svc.Close(closeCtx); err != nil {
					logger.Error("shutdown incomplete", "error", err)
				}
			}()

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           svc.server(),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}
			if maintenanceEvery > 0 {
				go svc.maintenanceLoop(ctx, maintenanceEvery)
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("dbvc listening", "addr", cfg.ListenAddr, "role", cfg.Role, "site_uid", cfg.SiteUID, "version", version)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().DurationVar(&maintenanceEvery, "maintenance-interval", 5*time.Minute, "how often to prune nonces, check sites and retry publishes (0 disables)")
	return cmd
}

// maintenanceLoop runs the maintenance jobs until ctx ends.
func (s *services) maintenanceLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep, err := s.maintenance.Run(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "maintenance finished with errors", "error", err)
				continue
			}
			s.logger.DebugContext(ctx, "maintenance finished",
				"nonces_pruned", rep.NoncesPruned,
				"sites_checked", rep.SitesChecked,
				"retries", rep.RetriesAttempted)
		}
	}
}
