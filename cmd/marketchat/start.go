package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazaarly/marketchat"
)

var (
	startListings []string
	startText     string
	startJSON     bool
)

func init() {
	startCmd.Flags().StringArrayVar(&startListings, "listing", nil, "Listing ID the conversation is about (repeatable)")
	startCmd.Flags().StringVar(&startText, "text", "", "Opening message")
	startCmd.Flags().BoolVar(&startJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start <participant-id>",
	Short: "Open a conversation with a participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := client.StartConversation(ctx, marketchat.StartConversationOptions{
			ParticipantID: args[0],
			ListingIDs:    startListings,
			Text:          startText,
		})
		if err != nil {
			return fmt.Errorf("start conversation failed: %w", err)
		}

		if startJSON {
			b, _ := json.MarshalIndent(conv, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("Conversation: %s\n", conv.ID)
		for _, l := range conv.Listings {
			fmt.Printf("Listing:      %s %s\n", l.ID, l.Title)
		}
		return nil
	},
}
