package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sendflock/sendflock/internal/app"
	"github.com/sendflock/sendflock/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch engine",
	RunE:  runServe,
}

var configFile string

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/sendflock/config.yaml", "Path to configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	return a.Run(context.Background())
}
