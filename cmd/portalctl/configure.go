package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"finitefield.org/campus-portal/internal/portal/config"
)

func configureCmd(opts *rootOptions) *cobra.Command {
	var host, logLevel string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write the config file from the given flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Host = host
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			path := opts.configPath
			if path == "" {
				path = config.DefaultCLIPath()
			}
			if err := config.SaveCLI(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "portal hostname used to derive the API URL")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level")
	return cmd
}
