package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "portalctl",
	Short: "Operate the census portal database",
	Long: `Maintenance commands for the census portal.

Configuration is read from the same environment and .env file as the API
server, so the commands target whichever database the server would use.`,
	SilenceUsage: true,
}

func init() {
	createAdminCmd.Flags().StringVar(&adminUsername, "username", "", "administrator username")
	createAdminCmd.Flags().StringVar(&adminEmail, "email", "", "administrator email")
	createAdminCmd.Flags().StringVar(&adminFullName, "full-name", "Portal Administrator", "display name")
	createAdminCmd.Flags().StringVar(&adminPassword, "password", "", "initial password (or PORTAL_ADMIN_PASSWORD)")
	_ = createAdminCmd.MarkFlagRequired("username")
	_ = createAdminCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(migrateCmd, createAdminCmd, expireWindowsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
