package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/api"
	"github.com/sells-group/evidence-cli/internal/monitoring"
)

var (
	servePort      int
	serveWithCheck bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only HTTP API for facts, aggregates, runs and signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		computer := newComputer(env.Store, env.Bronze, env.Rules.Version)

		if serveWithCheck {
			if err := cfg.Validate("check"); err != nil {
				return err
			}
			checker := monitoring.NewChecker(
				computer,
				monitoring.NewAlerter(cfg.Monitoring),
				monitoring.NewExporter(env.Registry),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		handler := api.New(env.Store, computer, api.Options{
			ContractVersion: env.Rules.Version,
			CORSOrigins:     cfg.Server.CORSOrigins,
			Gatherer:        env.Registry,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("contract_version", env.Rules.Version),
			zap.Bool("alert_checker", serveWithCheck),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithCheck, "with-check", false, "run the periodic alert checker alongside the server")
	rootCmd.AddCommand(serveCmd)
}
