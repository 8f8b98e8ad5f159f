/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bosagora/agora-registry/registry"
)

var (
	server string
	apikey string
	api    *registry.Api
)

var rootCmd = &cobra.Command{
	Use:   "registry-cli",
	Short: "registry-cli is a tool used to interact with the agora name registry via API",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initApi)

	rootCmd.PersistentFlags().StringVarP(&server, "server", "s",
		"http://127.0.0.1:8080", "base URL of the registry API")
	rootCmd.PersistentFlags().StringVar(&apikey, "apikey", "", "API key for management endpoints")
	rootCmd.PersistentFlags().BoolVarP(&registry.Globals.Debug, "debug", "d",
		false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&registry.Globals.Verbose, "verbose", "v",
		false, "verbose output")
}

func initApi() {
	registry.SetupCliLogging()
	api = registry.NewClient("registry-cli", server, apikey, "none", "insecure",
		registry.Globals.Verbose, registry.Globals.Debug)
}
