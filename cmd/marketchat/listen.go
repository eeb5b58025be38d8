package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bazaarly/marketchat"
)

var listenMetricsAddr string

func init() {
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen <conversation-id>...",
	Short: "Follow conversations live until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if listenMetricsAddr != "" {
			srv := serveMetrics(listenMetricsAddr)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		watch(client)

		if err := client.Connect(ctx); err != nil {
			return err
		}
		for _, id := range args {
			if err := client.Join(ctx, id); err != nil {
				return fmt.Errorf("join %s failed: %w", id, err)
			}
		}

		fmt.Fprintf(os.Stderr, "Listening on %d conversation(s), Ctrl-C to stop\n", len(args))
		<-ctx.Done()
		return nil
	},
}

// watch prints every bus event to stdout.
func watch(client *marketchat.Client) {
	bus := client.Bus
	marketchat.On(bus, marketchat.TopicConnectionState, func(c marketchat.StateChange) {
		fmt.Printf("* connection %s -> %s\n", c.From, c.To)
	})
	marketchat.On(bus, marketchat.TopicMessageReceived, func(ev marketchat.MessageEvent) {
		m := ev.Message
		fmt.Printf("%s ", m.ConversationID)
		printMessage(m.CreatedAt, m.SenderID, m.Text, m.Attachments)
	})
	marketchat.On(bus, marketchat.TopicTypingChanged, func(ev marketchat.TypingEvent) {
		verb := "stopped typing"
		if ev.Typing {
			verb = "is typing"
		}
		fmt.Printf("* %s %s %s\n", ev.ConversationID, ev.UserID, verb)
	})
	marketchat.On(bus, marketchat.TopicConversationUpdated, func(u marketchat.ConversationUpdate) {
		fmt.Printf("* conversation %s updated\n", u.ConversationID)
	})
	marketchat.On(bus, marketchat.TopicError, func(err *marketchat.ProtocolError) {
		fmt.Fprintf(os.Stderr, "! server error: %v\n", err)
	})
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv
}
