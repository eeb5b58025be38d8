package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginUserID string

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "Your user ID, used to recognize your own messages")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token in ~/.marketchat/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if loginUserID != "" {
			cfg.Auth.UserID = loginUserID
		}
		if cfg.Default.Env == "" {
			cfg.Default.Env = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
