package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/slamctl/internal/config"
	"github.com/banshee-data/slamctl/internal/monitoring"
	"github.com/banshee-data/slamctl/internal/version"
)

// newRootCmd builds the command tree. Each tree has its own viper instance
// so flags, SLAMCTL_* environment variables and .env files resolve
// independently per invocation.
func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "slamctl",
		Short:         "SLAM map snapshot tooling",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(".env")
			_ = godotenv.Load(".env.local")

			v.SetEnvPrefix("slamctl")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			// --log-level overrides log.level from the settings file, which
			// overrides the flag default.
			if err := v.BindPFlag(config.KeyLogLevel, cmd.Flags().Lookup("log-level")); err != nil {
				return err
			}

			if path := v.GetString("settings"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("%w: read %s: %v", config.ErrSettings, path, err)
				}
			}
			settings, err := config.FromViper(v)
			if err != nil {
				return err
			}
			if settings.CatalogPath != "" {
				v.SetDefault("db", settings.CatalogPath)
			}
			return monitoring.SetLevel(settings.LogLevel)
		},
	}
	root.PersistentFlags().String("settings", "", "pipeline settings file supplying log.level and catalog.path")
	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newInspectCmd(v),
		newPlotCmd(v),
		newCatalogCmd(v),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}
}
