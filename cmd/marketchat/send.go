package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bazaarly/marketchat"
)

var sendAttachments []string

func init() {
	sendCmd.Flags().StringArrayVar(&sendAttachments, "attach", nil, "Attachment URL (repeatable)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]
		client := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// without a live channel the message goes over REST
		if err := client.Connect(ctx); err != nil {
			return err
		}
		if err := client.Join(ctx, conversationID); err != nil {
			return fmt.Errorf("join failed: %w", err)
		}

		delivery, err := client.Send(ctx, conversationID, text, sendAttachments)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		msg, err := delivery.Wait(ctx)
		if err != nil {
			var de *marketchat.DeliveryError
			if errors.As(err, &de) {
				return fmt.Errorf("message %s not delivered: %w", de.TempID, de.Err)
			}
			return err
		}

		fmt.Printf("Message ID:   %s\n", msg.ID)
		fmt.Printf("Conversation: %s\n", msg.ConversationID)
		fmt.Printf("Sent at:      %s\n", msg.CreatedAt.Local().Format(time.RFC3339))
		return nil
	},
}
