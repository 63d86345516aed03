package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gizatechxyz/avsthon/pkg/aggregator/aggregatorConfig"
	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "aggregator",
	Short: "Collect operator claims, reach consensus and finalize tasks on-chain",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

var configFile string
var Config *aggregatorConfig.AggregatorConfig

func init() {
	cobra.OnInitialize(initConfigIfPresent)

	rootCmd.PersistentFlags().StringVar(&configFile, aggregatorConfig.ConfigFile, "", "config file path (yaml or json)")
	rootCmd.PersistentFlags().Bool(aggregatorConfig.Debug, false, `"true" or "false"`)

	viper.SetEnvPrefix(strings.TrimSuffix(aggregatorConfig.EnvPrefix, "_"))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
}

func initConfigIfPresent() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Printf("Failed to load .env: %+v\n", err)
	}
}

// loadConfig reads the config file when one is given and layers any flag or
// environment overrides on top.
func loadConfig() (*aggregatorConfig.AggregatorConfig, error) {
	overrides := aggregatorConfig.NewAggregatorConfig()
	if configFile == "" {
		return overrides, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	var c *aggregatorConfig.AggregatorConfig
	if strings.EqualFold(filepath.Ext(configFile), ".json") {
		c, err = aggregatorConfig.NewAggregatorConfigFromJsonBytes(data)
	} else {
		c, err = aggregatorConfig.NewAggregatorConfigFromYamlBytes(data)
	}
	if err != nil {
		return nil, err
	}

	if overrides.Debug {
		c.Debug = true
	}
	if overrides.Simulation.Enabled {
		c.Simulation.Enabled = true
	}
	if overrides.Server.Port != 0 {
		c.Server.Port = overrides.Server.Port
	}
	if overrides.Listener.FromBlock != 0 {
		c.Listener.FromBlock = overrides.Listener.FromBlock
	}
	if overrides.Storage.Type != "" {
		if c.Storage == nil {
			c.Storage = &aggregatorConfig.StorageConfig{}
		}
		c.Storage.Type = overrides.Storage.Type
	}
	return c, nil
}

func main() {
	Execute()
}
