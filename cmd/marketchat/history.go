package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyPage  int
	historyLimit int
	historyJSON  bool
)

func init() {
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.History(ctx, args[0], historyPage, historyLimit)
		if err != nil {
			return fmt.Errorf("load history failed: %w", err)
		}

		if historyJSON {
			b, _ := json.MarshalIndent(page, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		for _, m := range page.Messages {
			printMessage(m.CreatedAt, m.SenderID, m.Text, m.Attachments)
		}
		if page.HasMore {
			fmt.Printf("-- more: marketchat history %s --page %d\n", args[0], page.Page+1)
		}
		return nil
	},
}

func printMessage(at time.Time, sender, text string, attachments []string) {
	fmt.Printf("[%s] %s: %s\n", at.Local().Format("2006-01-02 15:04"), sender, text)
	for _, a := range attachments {
		fmt.Printf("    attachment: %s\n", a)
	}
}
