/*
Copyright © 2024 Dean
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hybridrag/src/config"
	"hybridrag/src/log"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hybridrag",
	Short: "Hybrid retrieval over documents and conversations",
	Long: `hybridrag indexes documents and conversation transcripts into a vector
store with a full-text index and answers queries by fusing both rankings.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	settingDefaultConfig()
}

// loadConfig reads .env, the config file and the environment, then installs
// the configured logger.
func loadConfig() (*config.Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.hybridrag")
	}
	viper.SetEnvPrefix("HYBRIDRAG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := log.Setup(cfg.Log.Level, cfg.Log.Development); err != nil {
		return nil, err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		log.Info("loaded config", "file", used)
	}
	return cfg, nil
}
