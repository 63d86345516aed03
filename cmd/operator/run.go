package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/gizatechxyz/avsthon/pkg/logger"
	"github.com/gizatechxyz/avsthon/pkg/operator"
	"github.com/gizatechxyz/avsthon/pkg/operator/operatorConfig"
	"github.com/gizatechxyz/avsthon/pkg/shutdown"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the operator",
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

		if err := Config.Validate(); err != nil {
			log.Sugar().Errorw("Invalid configuration", "error", err)
			return err
		}

		return runOperator(Config, log)
	},
}

func init() {
	runCmd.Flags().String(operatorConfig.AggregatorUrl, "", "aggregator base url")
	runCmd.Flags().String(operatorConfig.PrivateKey, "", "hex encoded operator private key")
	runCmd.Flags().String(operatorConfig.DockerSockPath, "", "docker daemon socket")
	runCmd.Flags().String(operatorConfig.ExecutorType, "", "docker or wasm")
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

func runOperator(cfg *operatorConfig.OperatorConfig, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	op, err := operator.NewOperator(ctx, cfg, log, nil)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	done := make(chan bool)
	go func() {
		err := op.Run(ctx)
		if err != nil {
			log.Sugar().Errorw("Operator stopped", "error", err)
		}
		result <- err
		close(done)
	}()

	shutdown.ListenForShutdown(shutdown.CreateGracefulShutdownChannel(), done, func() {
		log.Sugar().Info("Shutting down operator...")
		cancel()
		<-done
		_ = op.Close()
	}, shutdownTimeout, log)

	return <-result
}
