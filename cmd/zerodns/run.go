package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treemana/zerodns/internal/client"
	"github.com/treemana/zerodns/internal/config"
	"github.com/treemana/zerodns/internal/log"
	"github.com/treemana/zerodns/internal/server"
)

func newRunCommand() *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the resolver server",
		RunE: func(cmd *cobra.Command, args []string) error {
			initLogging(verbose)
			defer func() { _ = log.Sync() }()

			return runServer(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "zerodns.toml", "path to the TOML config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configError(err)
	}
	if err := cfg.Validate(); err != nil {
		return configError(err)
	}

	rules, filters, ch, err := cfg.Build()
	if err != nil {
		return configError(err)
	}
	defer ch.Close()

	dispatcher := client.NewDispatcher()
	defer dispatcher.Close()

	srv := server.New(ch, rules, filters, dispatcher)
	if err := srv.ListenAndServe(cfg.Server.Listen); err != nil {
		return runtimeError(err)
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sc
	log.Sugar.Infof("received signal %s, shutting down", sig)

	srv.Shutdown()
	return nil
}
