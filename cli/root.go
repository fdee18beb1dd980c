// Package cli is the blackbox command line.
package cli

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"strzcam.com/blackbox/config"
)

// Version is set at build time with -ldflags "-X strzcam.com/blackbox/cli.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "blackbox",
	Short: "Rolling-window video, audio and OBD-II recorder",
	Long: `Blackbox keeps the last few minutes of camera, microphone and vehicle
telemetry in memory and writes them to a single recording when a trigger
fires: a key press, a signal, a file dropped in a watched directory, a timer
or the save button of the operator page.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./blackbox.yaml or $HOME/.config/blackbox/blackbox.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("blackbox")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
	}

	// a missing .env is normal; variables already set in the environment win
	_ = godotenv.Load()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BLACKBOX")
	// e.g. BLACKBOX_CAPTURE_DURATION_SECONDS for capture.duration_seconds
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
