package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_beacon/internal/config"
	"github.com/austindbirch/harbor_beacon/internal/delivery"
	"github.com/austindbirch/harbor_beacon/internal/health"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/spawn"
)

// Keys stored in ~/.beaconctl.yaml
var configKeys = []string{"worker_path", "http_timeout", "exit_grace", "insecure", "log_level", "json"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage beaconctl configuration",
	Long:  `Manage beaconctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings, including the worker settings taken from the environment.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := beaconConfig()
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{
				"workerPath":  cfg.Worker.Path,
				"httpTimeout": cfg.HTTP.Timeout.String(),
				"exitGrace":   cfg.Worker.ExitGrace.String(),
				"insecure":    cfg.HTTP.TLSInsecure,
				"logLevel":    cfg.LogLevel,
				"configFile":  viper.ConfigFileUsed(),
			})
			return
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Current configuration:")
		if cfg.Worker.Path != "" {
			fmt.Fprintf(out, "  Worker: %s\n", cfg.Worker.Path)
		} else {
			fmt.Fprintln(out, "  Worker: beaconctl (self re-exec)")
		}
		fmt.Fprintf(out, "  HTTP timeout: %s\n", cfg.HTTP.Timeout)
		fmt.Fprintf(out, "  Exit grace: %s\n", cfg.Worker.ExitGrace)
		fmt.Fprintf(out, "  TLS insecure: %v\n", cfg.HTTP.TLSInsecure)
		fmt.Fprintf(out, "  Log level: %s\n", cfg.LogLevel)
		if cfg.Worker.LogFile != "" {
			fmt.Fprintf(out, "  Worker log: %s\n", cfg.Worker.LogFile)
		}
		if cfg.DeadLetter.NSQDAddr != "" || cfg.DeadLetter.RedisAddr != "" {
			fmt.Fprintf(out, "  Dead letters: nsqd=%q redis=%q\n", cfg.DeadLetter.NSQDAddr, cfg.DeadLetter.RedisAddr)
		}

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  beaconctl config set http_timeout 10s
  beaconctl config set exit_grace 2s
  beaconctl config set worker_path /usr/local/bin/harbor-beacon-worker`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setConfigValue(args[0], args[1]); err != nil {
			return err
		}

		path, err := configFilePath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := writeDefaultConfig(path, force); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the worker and dead-letter sinks",
	Long:  `Verify that a worker can be started and that configured dead-letter sinks are reachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st := checkDependencies(cmd.Context(), beaconConfig())
		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
		} else {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration check:")
			fmt.Fprintf(out, "  ✅ beaconctl version: %s\n", Version)
			for _, name := range sortedKeys(st.Checks) {
				if result := st.Checks[name]; result == "ok" {
					fmt.Fprintf(out, "  ✅ %s: ok\n", name)
				} else {
					fmt.Fprintf(out, "  ❌ %s: %s\n", name, result)
				}
			}
		}
		if !st.OK {
			return errors.New(st.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)

	// Flags for init command
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}

// checkDependencies pings the worker executable and any dead-letter sinks
func checkDependencies(ctx context.Context, cfg config.Config) health.Status {
	deps := []health.Pinger{&spawn.ProcessSpawner{Path: cfg.Worker.Path}}

	sink, err := delivery.NewSink(cfg.DeadLetter, logging.Nop())
	if err != nil {
		st := health.Check(ctx, 2*time.Second, deps...)
		st.OK = false
		st.Message = "dead letter sink unavailable"
		st.Checks["dead_letter"] = err.Error()
		return st
	}
	defer sink.Close()
	if _, none := sink.(delivery.NopSink); !none {
		deps = append(deps, sink)
	}
	return health.Check(ctx, 2*time.Second, deps...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// configFilePath is --config when given, else ~/.beaconctl.yaml
func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".beaconctl.yaml"), nil
}

// setConfigValue validates value for key and stores it in viper
func setConfigValue(key, value string) error {
	switch key {
	case "insecure", "json":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
		viper.Set(key, b)
	case "http_timeout", "exit_grace":
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid duration for %s: %s", key, value)
		}
		viper.Set(key, d.String())
	case "worker_path", "log_level":
		viper.Set(key, value)
	default:
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
	}
	return nil
}

// writeDefaultConfig writes the default settings to path, refusing to
// replace an existing file unless force is set.
func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	viper.Set("worker_path", "")
	viper.Set("http_timeout", "0s")
	viper.Set("exit_grace", "0s")
	viper.Set("insecure", false)
	viper.Set("log_level", "info")
	viper.Set("json", false)

	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	return nil
}
