// Command mcpmgr connects to the MCP servers listed in a config file and
// either prints their aggregated tools or re-exposes them as one Streamable
// HTTP MCP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcp-multiserver-client-go/pkg/mcpmgr"
)

var version = "v0.1.0" // injected with -ldflags at release time

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MCPMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "mcpmgr",
		Short:         "Manage connections to several MCP servers at once",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFile(v.GetString("env-file"))
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "mcp.json", "MCP servers config file (json, yaml or toml)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Also write logs to this file, rotated")
	flags.Bool("log-json", false, "Write console logs as JSON")
	flags.String("env-file", "", "Load environment variables from this file before reading the config (default: .env when present)")
	flags.DurationP("timeout", "t", 30*time.Second, "Deadline for connecting to all servers")
	flags.Bool("ignore-failed", false, "Skip servers that fail to connect instead of aborting")
	bindFlags(v, flags)

	root.AddCommand(newToolsCommand(v), newServeCommand(v))
	return root
}

// bindFlags makes every flag in fs readable through v, with MCPMGR_* env
// vars taking precedence over flag defaults.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	if err := v.BindPFlags(fs); err != nil {
		panic(fmt.Sprintf("bind flags: %v", err))
	}
}

// loadEnvFile loads path, or .env from the working directory when path is
// empty. A missing default file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func commandLogger(v *viper.Viper) (*zap.Logger, error) {
	return newLogger(logConfig{
		Level: v.GetString("log-level"),
		File:  v.GetString("log-file"),
		JSON:  v.GetBool("log-json"),
	})
}

// buildManager loads the config file and constructs an unconnected manager.
// reg may be nil.
func buildManager(v *viper.Viper, logger *zap.Logger, reg prometheus.Registerer) (*mcpmgr.Manager, error) {
	file, err := mcpmgr.LoadConfigFile(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	servers, err := file.ServerConfigs()
	if err != nil {
		return nil, err
	}
	opts, err := file.ManagerOptions()
	if err != nil {
		return nil, err
	}
	if v.GetBool("ignore-failed") {
		opts.OnConnectionError = mcpmgr.Ignore
	}
	opts.ClientName = "mcpmgr"
	opts.ClientVersion = version
	opts.Logger = logger
	if reg != nil {
		opts.Metrics = mcpmgr.NewMetrics(reg)
	}
	return mcpmgr.NewManager(servers, &opts)
}

func closeManager(mgr *mcpmgr.Manager, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		logger.Warn("close servers", zap.Error(err))
	}
}
