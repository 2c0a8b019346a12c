package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/plancache/internal/utils"
	"github.com/sw33tLie/plancache/pkg/cache"
	"github.com/sw33tLie/plancache/pkg/loader"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "plancache",
	Short: "Offline-first timetable plans with a bounded local cache.",
	Long: `plancache loads school timetable plans from the plan API and keeps the
most recent ones in a local SQLite cache, so they can still be shown when the
network is gone.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		levelString, _ := cmd.Flags().GetString("loglevel")
		return utils.SetLogLevel(levelString)
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.plancache.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().StringP("school", "s", "", "School number (overrides the 'school' config key)")
	rootCmd.PersistentFlags().String("dbpath", "", "Path to the plan cache database (overrides 'db.path')")

	viper.BindPFlag("school", rootCmd.PersistentFlags().Lookup("school"))
	viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("dbpath"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetDefault("api.base", "https://{school}.example.org/api/v1")
	viper.SetDefault("api.retries", 0)
	viper.SetDefault("api.session", "")
	viper.SetDefault("school", "")
	viper.SetDefault("db.path", "")
	viper.SetDefault("cache.max_per_school", cache.DefaultMaxCached)
	viper.SetDefault("sync.staleness", loader.DefaultStaleness.String())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".plancache")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("plancache")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := home + "/.plancache.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating config file: %s\n", err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
		}
	}
}
