package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "relay",
	Short:         "Turns chat messages into structured company records",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(loadtestCmd)
	rootCmd.AddCommand(companiesCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "configs/relay.yaml"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}
