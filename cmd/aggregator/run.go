package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gizatechxyz/avsthon/pkg/aggregator"
	"github.com/gizatechxyz/avsthon/pkg/aggregator/aggregatorConfig"
	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/gizatechxyz/avsthon/pkg/shutdown"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the aggregator",
	RunE: func(cmd *cobra.Command, args []string) error {
		initRunCmd(cmd)

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		Config = cfg
		Config.ApplyDefaults()

		log, err := logger.NewLogger(&logger.LoggerConfig{Debug: Config.Debug})
		if err != nil {
			return err
		}
		sugar := log.Sugar()

		if err := Config.Validate(); err != nil {
			sugar.Errorw("Invalid configuration", "error", err)
			return err
		}

		return runAggregator(Config, log)
	},
}

func init() {
	runCmd.Flags().Bool(aggregatorConfig.Simulation, false, "use the simulated ledger")
	runCmd.Flags().Int(aggregatorConfig.Port, 0, "http port for the coordination surface")
	runCmd.Flags().Uint64(aggregatorConfig.FromBlock, 0, "block to replay task history from")
	runCmd.Flags().String(aggregatorConfig.StoreType, "", "memory, badger or redis")
}

func initRunCmd(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil {
			fmt.Printf("Failed to bind flag '%s': %+v\n", f.Name, err)
		}
		if err := viper.BindEnv(config.KebabToSnakeCase(f.Name)); err != nil {
			fmt.Printf("Failed to bind env '%s': %+v\n", f.Name, err)
		}
	})
}

func runAggregator(cfg *aggregatorConfig.AggregatorConfig, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg, err := aggregator.NewAggregator(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	if err := agg.Start(ctx); err != nil {
		_ = agg.Close()
		return err
	}

	fatal := make(chan error, 1)
	done := make(chan bool)
	go func() {
		select {
		case err := <-agg.Errors():
			log.Sugar().Errorw("Aggregator failed", "error", err)
			fatal <- err
			close(done)
		case <-ctx.Done():
		}
	}()

	shutdown.ListenForShutdown(shutdown.CreateGracefulShutdownChannel(), done, func() {
		log.Sugar().Info("Shutting down aggregator...")
		cancel()
		_ = agg.Close()
	}, shutdownTimeout, log)

	select {
	case err := <-fatal:
		return err
	default:
		return nil
	}
}
