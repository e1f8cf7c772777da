package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

// redactToken keeps just enough of a credential to recognize it.
func redactToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	Long:  "Print every configuration key with its effective value. The token is redacted;\nread the config file directly if you need the full credential.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pageSize := fmt.Sprintf("%d", cfg.Default.PageSize)
		if cfg.Default.PageSize == 0 {
			pageSize = "(server default)"
		}
		baseURL := cfg.Default.BaseURL
		if baseURL == "" {
			baseURL = "(not set)"
		}
		userID := cfg.Auth.UserID
		if userID == "" {
			userID = "(not set)"
		}

		fmt.Printf("default.base_url  = %s\n", baseURL)
		fmt.Printf("default.page_size = %s\n", pageSize)
		fmt.Printf("auth.token        = %s\n", redactToken(cfg.Auth.Token))
		fmt.Printf("auth.user_id      = %s\n", userID)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n\n" +
		"Keys: default.base_url, default.page_size, auth.token, auth.user_id\n" +
		"Example: chatsync config set default.base_url https://api.example.com",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		// Never echo credentials back to the terminal.
		if key == "auth.token" {
			fmt.Printf("Set %s = %s\n", key, redactToken(value))
		} else {
			fmt.Printf("Set %s = %s\n", key, value)
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
