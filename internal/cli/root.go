// Package cli wires the evolvechat commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagToken  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "evolvechat",
		Short: "Distributed real-time chat/presence service",
	}

	root.PersistentFlags().StringVarP(&flagServer, "server", "s",
		envOrDefault("EVOLVECHAT_SERVER", "http://localhost:8080"), "server URL")
	root.PersistentFlags().StringVarP(&flagToken, "token", "t",
		os.Getenv("EVOLVECHAT_TOKEN"), "connection token")

	root.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newTokenCmd(),
	)

	return root
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
