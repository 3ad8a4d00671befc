// Package cli implements the duplexd command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/albertbausili/duplex/internal/observability"
	"github.com/albertbausili/duplex/pkg/duplex"
)

// Version is set at build time.
var Version = "dev"

const envPrefix = "DUPLEX"

// NewRootCommand builds a fresh command tree. Each tree owns its viper
// instance, so flags never leak between executions.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:           "duplexd",
		Short:         "HTTP/1.1 and HTTP/2 server and probe with WebSocket over both.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initializeConfig(v, cfgFile)
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./duplex.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "console", "log format (console, json)")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newServeCmd(v), newProbeCmd(v))
	return root
}

// Execute runs the command line with ctx, which should be cancelled on
// SIGINT and SIGTERM.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// initializeConfig reads the config file, if any, and DUPLEX_* variables.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("duplex")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// loadConfig decodes the library config and attaches a logger writing to the
// command's error stream.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (duplex.Config, *zap.Logger, error) {
	cfg, err := duplex.LoadConfig(v)
	if err != nil {
		return duplex.Config{}, nil, err
	}
	logger := observability.New(cfg.Log, zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
	cfg.Logger = logger
	return cfg, logger, nil
}
