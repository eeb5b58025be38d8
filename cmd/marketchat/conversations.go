package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	conversationsJSON   bool
	conversationsFilter string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().StringVar(&conversationsFilter, "filter", "", "Only show conversations matching a participant name, listing or last message")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("list conversations failed: %w", err)
		}
		if conversationsFilter != "" {
			convs = client.Store.Search(conversationsFilter)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(convs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			who := "-"
			if c.OtherParticipant != nil {
				who = valueOrDefault(c.OtherParticipant.Name, c.OtherParticipant.ID)
			}
			last := ""
			if c.LastMessage != nil {
				last = truncate(c.LastMessage.Text, 40)
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf("(%d)", c.UnreadCount)
			}
			fmt.Printf("%-24s  %-20s  %-5s  %s\n", c.ID, truncate(who, 20), unread, last)
		}
		return nil
	},
}
