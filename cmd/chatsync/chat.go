package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/fitsphere/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyLimit int
	historyAll   bool

	// send
	sendTimeout time.Duration

	// watch
	watchHub string
)

// ============================================================================
// Helpers
// ============================================================================

// getClient creates an API client from the stored configuration.
func getClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync init <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatsync config set default.base_url <url>' first.")
		os.Exit(1)
	}

	return chatsync.NewClient(cfg.Auth.Token, chatsync.WithBaseURL(cfg.Default.BaseURL)), cfg
}

func printMessage(m chatsync.Message) {
	status := ""
	switch m.Status {
	case chatsync.StatusSending:
		status = " …"
	case chatsync.StatusFailed:
		status = " ✗"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.SentAt.Local().Format("2006-01-02 15:04:05"), m.SenderID, m.Body, status)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = " — " + c.LastMessage.Body
			}
			fmt.Printf("  %s: %s%s%s\n", c.ID, c.DisplayName, unread, preview)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print message history for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		var pages []*chatsync.HistoryPage
		cursor := ""
		for {
			page, err := client.History(ctx, conversationID, historyLimit, cursor)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			pages = append(pages, page)
			cursor = page.NextCursor
			if !historyAll || cursor == "" {
				break
			}
		}

		// Pages arrive newest-first; print oldest page first.
		total := 0
		for i := len(pages) - 1; i >= 0; i-- {
			for _, m := range pages[i].Messages {
				printMessage(m)
				total++
			}
		}
		if total == 0 {
			fmt.Println("No messages found.")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, text := args[0], args[1]
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout+30*time.Second)
		defer cancel()

		conversation, err := client.EnsureDirectConversation(ctx, userID)
		if err != nil {
			return fmt.Errorf("conversation lookup failed: %w", err)
		}

		registry := chatsync.NewRegistry(chatsync.NewWebSocketDialer(client.BaseURL(), client.Token), nil)
		defer registry.StopAll()
		if err := registry.Start(ctx, chatsync.ChatHub); err != nil {
			return fmt.Errorf("hub connect failed: %w", err)
		}

		changed := make(chan struct{}, 1)
		ctrl := chatsync.NewController(chatsync.ControllerConfig{
			Registry: registry,
			History:  client,
			API:      client,
			SelfID:   cfg.Auth.UserID,
			PageSize: cfg.Default.PageSize,
			OnTimelineChange: func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			},
		})
		defer ctrl.Close()

		if err := ctrl.Select(ctx, conversation.ID); err != nil {
			return fmt.Errorf("select conversation: %w", err)
		}

		msg, err := ctrl.Send(ctx, text)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		deadline := time.After(sendTimeout)
		for {
			select {
			case <-changed:
				for _, m := range ctrl.Timeline().Messages() {
					if m.TrackID != msg.TrackID {
						continue
					}
					switch m.Status {
					case chatsync.StatusSent:
						fmt.Printf("Message delivered to conversation %s (id %s).\n", conversation.ID, m.ID)
						return nil
					case chatsync.StatusFailed:
						return fmt.Errorf("message rejected by server")
					}
				}
			case <-deadline:
				fmt.Println("Message sent; no acknowledgment received yet.")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Hold a live chat session in the terminal",
	Long:  "Load history, print live messages as they arrive, and send lines typed on stdin.\nEnd the session with EOF (Ctrl-D).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg := getClient()

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		ctx := context.Background()

		registry := chatsync.NewRegistry(
			chatsync.NewWebSocketDialer(client.BaseURL(), client.Token).WithLogger(logger),
			logger,
		)
		defer registry.StopAll()
		if err := registry.Start(ctx, watchHub); err != nil {
			return fmt.Errorf("hub connect failed: %w", err)
		}

		shown := 0
		ctrl := chatsync.NewController(chatsync.ControllerConfig{
			Registry: registry,
			HubName:  watchHub,
			History:  client,
			API:      client,
			SelfID:   cfg.Auth.UserID,
			PageSize: cfg.Default.PageSize,
			Logger:   logger,
		})
		defer ctrl.Close()

		if err := ctrl.RefreshConversations(ctx); err != nil {
			logger.Warn("conversation list unavailable", "error", err)
		}
		if err := ctrl.Select(ctx, conversationID); err != nil {
			return fmt.Errorf("select conversation: %w", err)
		}

		printNew := func() {
			messages := ctrl.Timeline().Messages()
			for ; shown < len(messages); shown++ {
				printMessage(messages[shown])
			}
		}
		printNew()

		// Poll for new timeline entries while reading stdin lines to send.
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(250 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					printNew()
				}
			}
		}()

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if _, err := ctrl.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
		close(done)
		return scanner.Err()
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Page size (default server page size)")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "Follow cursors until history is exhausted")

	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "How long to wait for the delivery acknowledgment")

	watchCmd.Flags().StringVar(&watchHub, "hub", chatsync.ChatHub, "Hub name to connect to")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}
