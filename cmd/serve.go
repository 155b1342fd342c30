package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/wa-interviewer/internal/logger"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive WhatsApp webhooks, run interviews and cadences",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "address to listen on (default :8080)")
	serveCmd.Flags().String("fixture", "", "yaml fixture to load into the database on start")

	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("fixture", serveCmd.Flags().Lookup("fixture"))
}

func serve() {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the wa-interviewer", zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(ctx, config, logger)
	if err != nil {
		logger.Fatal("building application", zap.Error(err))
	}
	defer app.Close()

	app.registry.Refresh(ctx)

	for _, f := range app.distributor.Filters() {
		logger.Info("cadence filter",
			zap.String("name", f.Name),
			zap.Bool("enabled", f.Enabled),
			zap.String("reason", f.Reason),
			zap.Any("details", f.Details),
		)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           app.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", config.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		refreshSlots(gctx, app, config.SlotRefresh, logger.Named("slots"))
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := app.server.Drain(shutdownCtx); err != nil {
			logger.Warn("in-flight messages abandoned", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("serving", zap.Error(err))
	}

	logger.Info("stopped")
}

// refreshSlots keeps slot connection states current until ctx is done.
func refreshSlots(ctx context.Context, app *application, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = time.Minute
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.registry.Refresh(ctx)
			for _, tenant := range app.registry.Tenants() {
				logger.Debug("slots refreshed",
					zap.String("tenant_id", tenant),
					zap.Int("active", len(app.registry.ActiveSlots(tenant))),
					zap.Int("total", len(app.registry.Slots(tenant))),
				)
			}
		}
	}
}
