package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_beacon/internal/config"
)

var (
	cfgFile     string
	envFile     string
	workerPath  string
	httpTimeout time.Duration
	exitGrace   time.Duration
	tlsInsecure bool
	logLevel    string
	outputJSON  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "beaconctl",
	Short: "Harbor Beacon CLI - fire-and-forget HTTP beacons from the shell",
	Long: `Harbor Beacon CLI (beaconctl) queues HTTP POST beacons for delivery by a
detached background worker and returns immediately.

The command exits as soon as the beacon is handed to the worker; the worker
keeps running until everything it accepted has been sent.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.beaconctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this .env file (default .env if present)")
	rootCmd.PersistentFlags().StringVar(&workerPath, "worker-path", "", "worker executable (default re-executes beaconctl)")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "http-timeout", 0, "per-beacon HTTP timeout in the worker (0 means none)")
	rootCmd.PersistentFlags().DurationVar(&exitGrace, "exit-grace", 0, "how long the worker lingers after draining its queue")
	rootCmd.PersistentFlags().BoolVar(&tlsInsecure, "insecure", false, "skip TLS verification in the worker (development only)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level for beaconctl and its worker")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	// Bind flags to viper
	viper.BindPFlag("worker_path", rootCmd.PersistentFlags().Lookup("worker-path"))
	viper.BindPFlag("http_timeout", rootCmd.PersistentFlags().Lookup("http-timeout"))
	viper.BindPFlag("exit_grace", rootCmd.PersistentFlags().Lookup("exit-grace"))
	viper.BindPFlag("insecure", rootCmd.PersistentFlags().Lookup("insecure"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig reads in .env, the config file and ENV variables if set.
func initConfig() {
	loadEnvFile(envFile)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".beaconctl")
	}

	viper.SetEnvPrefix("beaconctl")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	if !rootCmd.PersistentFlags().Changed("worker-path") {
		workerPath = viper.GetString("worker_path")
	}
	if !rootCmd.PersistentFlags().Changed("http-timeout") {
		httpTimeout = viper.GetDuration("http_timeout")
	}
	if !rootCmd.PersistentFlags().Changed("exit-grace") {
		exitGrace = viper.GetDuration("exit_grace")
	}
	if !rootCmd.PersistentFlags().Changed("insecure") {
		tlsInsecure = viper.GetBool("insecure")
	}
	if !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = viper.GetString("log_level")
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// loadEnvFile loads path, or ./.env when path is empty. Variables already set
// in the environment win.
func loadEnvFile(path string) {
	if path == "" {
		_ = godotenv.Load()
		return
	}
	if err := godotenv.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load %s: %v\n", path, err)
	}
}

// beaconConfig layers the CLI settings over the environment configuration
func beaconConfig() config.Config {
	cfg := config.FromEnv()
	if workerPath != "" {
		cfg.Worker.Path = workerPath
	}
	if httpTimeout > 0 {
		cfg.HTTP.Timeout = httpTimeout
	}
	if exitGrace > 0 {
		cfg.Worker.ExitGrace = exitGrace
	}
	if tlsInsecure {
		cfg.HTTP.TLSInsecure = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

// workerEnv is what the worker needs to see of cfg; it configures itself
// from its environment only.
func workerEnv(cfg config.Config) []string {
	env := []string{"BEACON_LOG_LEVEL=" + cfg.LogLevel}
	if cfg.HTTP.Timeout > 0 {
		env = append(env, "BEACON_HTTP_TIMEOUT="+cfg.HTTP.Timeout.String())
	}
	if cfg.Worker.ExitGrace > 0 {
		env = append(env, "BEACON_WORKER_EXIT_GRACE="+cfg.Worker.ExitGrace.String())
	}
	if cfg.HTTP.TLSInsecure {
		env = append(env, "BEACON_TLS_INSECURE=true")
	}
	return env
}

// printOutput prints v as indented JSON with --json, or with %+v otherwise
func printOutput(w io.Writer, v any) {
	if outputJSON {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		fmt.Fprintln(w, string(b))
		return
	}
	fmt.Fprintf(w, "%+v\n", v)
}
