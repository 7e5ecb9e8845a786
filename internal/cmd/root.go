package cmd

import (
	"strings"

	"github.com/Iron-Ham/panecrew/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "panecrew",
	Short: "Run a team of coding agents in tmux panes",
	Long: `Panecrew runs a team of coding agents, one per tmux pane, against a
shared file-backed task list. A watchdog retires finished or dead workers
and hands their slot the next pending task until the list is done.`,
	SilenceUsage: true,
}

// verbose prints team progress to stderr.
var verbose bool

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/panecrew/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print team progress to stderr")
}

func initConfig() {
	// A missing .env is fine.
	_ = godotenv.Load()

	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/panecrew")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PANECREW")
	// e.g. PANECREW_WATCHDOG_INTERVAL_MS for watchdog.interval_ms
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = config.BindEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
