package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/esshgate/esshgate/pkg/config"
	"github.com/esshgate/esshgate/pkg/db"
	"github.com/esshgate/esshgate/pkg/utils"
	"github.com/esshgate/esshgate/pkg/vault"
)

func main() {
	utils.InitLogger()

	root := &cobra.Command{
		Use:           "esshgate",
		Short:         "Multi-tenant SSH/SFTP web gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var configInit bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := utils.GetLogger()

			if configInit {
				path, err := config.EnsureDefaultConfig()
				if err != nil {
					return err
				}
				logger.Info("wrote default config", "path", path)
			}

			cfg, path, err := config.Load()
			if err != nil {
				return err
			}
			if path != "" {
				logger.Info("config loaded", "path", path)
			}

			dataDir, err := cfg.DataDir()
			if err != nil {
				return err
			}
			database, err := db.Open(dataDir)
			if err != nil {
				return err
			}
			v, err := vault.New(cfg.SecretKey())
			if err != nil {
				return err
			}

			server, err := NewServer(cfg, database, v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Start(ctx)
		},
	}

	cmd.Flags().BoolVar(&configInit, "init-config", false, "write a default config file if none exists")
	return cmd
}
