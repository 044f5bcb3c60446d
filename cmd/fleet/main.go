package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	apiBaseURL string
	verbose    bool
	timeout    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet dispatcher",
		Long:  "Priority task dispatcher for a simulated, self-scaling fleet of workers",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./configs/fleet.yaml or ./fleet.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", "http://localhost:8080", "API server base URL")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")

	rootCmd.AddCommand(
		createRunCommand(),
		createGenerateCommand(),
		createTaskCommands(),
		createFleetCommands(),
		createVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleet %s\n", version)
		},
	}
}
