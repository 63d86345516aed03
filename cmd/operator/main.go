package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gizatechxyz/avsthon/pkg/config"
	"github.com/gizatechxyz/avsthon/pkg/operator/operatorConfig"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "operator",
	Short: "Execute client app tasks and submit signed results",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

var configFile string
var Config *operatorConfig.OperatorConfig

func init() {
	cobra.OnInitialize(initConfigIfPresent)

	rootCmd.PersistentFlags().StringVar(&configFile, operatorConfig.ConfigFile, "", "config file path (yaml or json)")
	rootCmd.PersistentFlags().Bool(operatorConfig.Debug, false, `"true" or "false"`)

	viper.SetEnvPrefix(strings.TrimSuffix(operatorConfig.EnvPrefix, "_"))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
}

func initConfigIfPresent() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Printf("Failed to load .env: %+v\n", err)
	}
}

func loadConfig() (*operatorConfig.OperatorConfig, error) {
	overrides := operatorConfig.NewOperatorConfig()
	if configFile == "" {
		return overrides, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	var c *operatorConfig.OperatorConfig
	if strings.EqualFold(filepath.Ext(configFile), ".json") {
		c, err = operatorConfig.NewOperatorConfigFromJsonBytes(data)
	} else {
		c, err = operatorConfig.NewOperatorConfigFromYamlBytes(data)
	}
	if err != nil {
		return nil, err
	}

	if overrides.Debug {
		c.Debug = true
	}
	if overrides.AggregatorUrl != "" {
		c.AggregatorUrl = overrides.AggregatorUrl
	}
	if overrides.SigningKey != nil {
		c.SigningKey = overrides.SigningKey
	}
	if overrides.Executor.Type != "" {
		c.Executor.Type = overrides.Executor.Type
	}
	if overrides.Executor.DockerSockPath != "" {
		c.Executor.DockerSockPath = overrides.Executor.DockerSockPath
	}
	return c, nil
}

func main() {
	Execute()
}
