package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initUserID  string
)

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials for the chat backend",
	Long:  "Save the bearer token (and optionally the API base URL and your user id) to ~/.chatsync/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Configuration saved.")
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Your user id (stamps outgoing messages)")
	rootCmd.AddCommand(initCmd)
}
