package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// @title Joey Agent API
// @version 1.0
// @description Projects, task runs and live progress for the Joey coding agent

// @host localhost:8000
// @BasePath /api
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for the frontend login callback
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

var rootCmd = &cobra.Command{
	Use:           "joey-api",
	Short:         "Joey agent backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// serve is the default command
	rootCmd.RunE = serveCmd.RunE
	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
