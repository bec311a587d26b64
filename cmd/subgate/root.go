package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootOptions struct {
	configFile string
	envFile    string
	v          *viper.Viper
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "subgate",
		Short:         "Stripe subscription sync and feature access service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file loaded before the environment")
	rootCmd.PersistentFlags().String("storage", "", "Storage driver: memory, postgres, redis, firestore or tiered")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	_ = opts.v.BindPFlag("storage.driver", rootCmd.PersistentFlags().Lookup("storage"))
	_ = opts.v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newSyncCommand(opts))
	rootCmd.AddCommand(newCatalogCommand(opts))

	return rootCmd
}

// load reads .env and the configuration after flags were parsed.
func (o *rootOptions) load() (*Config, error) {
	if err := loadDotEnv(o.envFile); err != nil {
		return nil, err
	}
	return loadConfig(o.v, o.configFile)
}
