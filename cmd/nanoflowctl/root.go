package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string

	api *client
)

var rootCmd = &cobra.Command{
	Use:           "nanoflowctl",
	Short:         "Manage NanoFlow flows and jobs",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		api, err = newClient(serverURL, apiKey)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envDefault("NANOFLOW_SERVER", "http://localhost:9004"), "NanoFlow server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("NANOFLOW_API_KEY"), "NanoFlow API key")

	rootCmd.AddCommand(flowCmd)
	rootCmd.AddCommand(jobCmd)
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// printJSON writes v to the command output as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
