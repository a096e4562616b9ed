package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ox-it/apiox-core/internal/config"
)

var (
	cfg        *config.Config
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "apiox",
	Short: "OAuth2 authorization server and API gateway",
	Long: `apiox issues OAuth2 tokens to registered clients and proxies requests for
registered APIs to their upstream services, enforcing each API's scope and
authentication requirements.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

// persistentFlags maps each global flag onto its configuration key.
var persistentFlags = []struct {
	name, key, usage string
	isBool           bool
}{
	{name: "db-url", key: "database_url", usage: "Database connection URL (env: APIOX_DATABASE_URL)"},
	{name: "server-addr", key: "server_addr", usage: "Server bind address (env: APIOX_SERVER_ADDR)"},
	{name: "server-url", key: "server_url", usage: "Public base URL used in links and redirects (env: APIOX_SERVER_URL)"},
	{name: "redis-url", key: "redis_url", usage: "Redis URL for the API definition cache (env: APIOX_REDIS_URL)"},
	{name: "debug", key: "debug", usage: "Enable debug logging (env: APIOX_DEBUG)", isBool: true},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")
	for _, f := range persistentFlags {
		if f.isBool {
			rootCmd.PersistentFlags().Bool(f.name, false, f.usage)
		} else {
			rootCmd.PersistentFlags().String(f.name, "", f.usage)
		}
		if err := viper.BindPFlag(f.key, rootCmd.PersistentFlags().Lookup(f.name)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", f.name, err)
		}
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
