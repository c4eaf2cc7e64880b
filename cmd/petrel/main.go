// Command petrel runs the IMAP, POP3, ManageSieve and LMTP services over
// one mail store and manages its accounts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

var mainCmd = &cobra.Command{
	Use:           "petrel",
	Short:         "petrel mail store server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	mainCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file (default: first of /etc/petrel/petrel.yaml, ./config/petrel.yaml, ./petrel.yaml)")
	mainCmd.AddCommand(serveCmd, userCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the petrel version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "petrel", version)
	},
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	// Gracefully shutdown all
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(c)
		cancel()
	}()
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := mainCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "petrel:", err)
		cancel()
		os.Exit(1)
	}
}
