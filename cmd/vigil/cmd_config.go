package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vigil/internal/config"
)

// configCmd inspects and seeds the on-disk configuration. These run locally
// against the data directory; no server is needed.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialize the configuration file",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(config.PathIn(resolvedDataDir()))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.PathIn(resolvedDataDir()))
		if err != nil {
			return exitWith(exitConfig, err)
		}
		if cfg.LLM.APIKey != "" {
			cfg.LLM.APIKey = "[redacted]"
		}
		if cfg.Embedding.GenAIAPIKey != "" {
			cfg.Embedding.GenAIAPIKey = "[redacted]"
		}
		if cfg.Dialectic.SigningSecret != "" {
			cfg.Dialectic.SigningSecret = "[redacted]"
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.PathIn(resolvedDataDir())
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("config already exists at %s\n", path)
			return nil
		} else if !os.IsNotExist(err) {
			return exitWith(exitConfig, err)
		}

		cfg := config.DefaultConfig()
		cfg.DataDir = resolvedDataDir()
		if err := cfg.Save(path); err != nil {
			return exitWith(exitConfig, err)
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd, configPathCmd)
}
