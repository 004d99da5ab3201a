package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sp1r1t/ds13/internal/api/grpc/clients"
	"github.com/sp1r1t/ds13/internal/config"
	"github.com/sp1r1t/ds13/internal/node"
)

var (
	cfgFile  string
	logLevel string
	headless bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "ds13",
		Short:        "ds13 - credit based file sharing through a central proxy",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug | info | warn | error")

	for _, role := range []node.ComponentType{node.RoleProxy, node.RoleFileServer} {
		cmd := &cobra.Command{
			Use:   role.String(),
			Short: fmt.Sprintf("Start a %s", role),
			Args:  cobra.NoArgs,
			RunE:  runRole,
		}
		cmd.Flags().BoolVar(&headless, "headless", false, "Run without the interactive shell")
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   node.RoleClient.String(),
		Short: "Start the interactive client",
		Args:  cobra.NoArgs,
		RunE:  runRole,
	})

	rootCmd.AddCommand(newHealthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func runRole(cmd *cobra.Command, args []string) error {
	role, ok := node.ParseRole(cmd.Name())
	if !ok {
		return fmt.Errorf("unknown role: %s", cmd.Name())
	}

	// Set up logger
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	var opts []node.Option
	if role == node.RoleClient || !headless {
		opts = append(opts, node.WithConsole(os.Stdin, os.Stdout))
	}

	ctrl := node.NewController(cfg, role, logger, opts...)
	return ctrl.Run(context.Background())
}

func newHealthCmd() *cobra.Command {
	var addr, service string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health service of a running proxy or file server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer logger.Sync()

			hc, err := clients.NewHealthClient(addr, logger)
			if err != nil {
				return err
			}
			defer hc.Close()

			status, err := hc.Check(context.Background(), service)
			if err != nil {
				return fmt.Errorf("health check %s: %w", addr, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:12381", "Health endpoint address")
	cmd.Flags().StringVar(&service, "service", "ds13.proxy", "Service name: ds13.proxy | ds13.fileserver")
	return cmd
}
