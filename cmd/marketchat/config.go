package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage marketchat configuration",
	Long:  "View or modify the configuration stored in ~/.marketchat/config.toml.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings in effect and where each comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'marketchat login <token>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		file, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		effective := *file
		applyEnv(&effective)

		fmt.Printf("Config file: %s\n\n", path)
		for _, line := range describeConfig(file, &effective) {
			fmt.Println(line)
		}
		return nil
	},
}

// describeConfig lists every key with its effective value and source. Secrets are masked.
func describeConfig(file, effective *Config) []string {
	lines := make([]string, 0, len(configFields))
	for _, f := range configFields {
		fromFile, value := *f.field(file), *f.field(effective)
		source := "file"
		switch {
		case value == "":
			source = "unset"
		case value != fromFile:
			source = "env " + f.env
		}
		if f.secret && value != "" {
			value = maskToken(value)
		}
		lines = append(lines, fmt.Sprintf("  %-18s %-40s (%s)", f.key, valueOrDefault(value, "-"), source))
	}
	return lines
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: marketchat config set default.base_url https://api.example.com/api",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// environment overrides are not persisted
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
