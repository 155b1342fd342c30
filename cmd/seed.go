package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/wa-interviewer/internal/logger"
	"github.com/spigell/wa-interviewer/internal/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed FIXTURE",
	Short: "Load candidates, lists, jobs and selections from a yaml fixture",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		seed(args[0])
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func seed(path string) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	fixture, err := store.LoadFixture(path)
	if err != nil {
		logger.Fatal("loading fixture", zap.Error(err))
	}

	ctx := context.Background()
	db, err := store.Open(ctx, config.Database, logger)
	if err != nil {
		logger.Fatal("opening database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Seed(ctx, fixture); err != nil {
		logger.Fatal("seeding", zap.Error(err))
	}

	for _, tenant := range fixture.Tenants {
		logger.Info("tenant seeded",
			zap.String("tenant_id", tenant.ID),
			zap.Int("candidates", len(tenant.Candidates)),
			zap.Int("lists", len(tenant.Lists)),
			zap.Int("jobs", len(tenant.Jobs)),
			zap.Int("selections", len(tenant.Selections)),
		)
	}
}
