package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"finitefield.org/campus-portal/internal/portal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath  string
	apiBaseURL  string
	storagePath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "portalctl",
		Short: "Sign in to the campus portal from the terminal",
		Long: `portalctl keeps a campus portal session in a storage file shared by
every portalctl process of the same user. Signing out in one process
signs out the others.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default "+config.DefaultCLIPath()+")")
	flags.StringVar(&opts.apiBaseURL, "api", "", "API base URL")
	flags.StringVar(&opts.storagePath, "storage", "", "session storage file")

	rootCmd.AddCommand(
		loginCmd(opts),
		logoutCmd(opts),
		whoamiCmd(opts),
		browseCmd(opts),
		configureCmd(opts),
		versionCmd(),
	)
	return rootCmd
}
