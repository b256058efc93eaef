package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/teranos/otto/config"
	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/outbox"
)

// OutboxCmd represents the outbox command
var OutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage outbound messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var (
	outboxChatID   string
	outboxPriority string
	outboxKey      string
)

var outboxLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List due queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		due, err := outbox.NewStore(database).ListDue(context.Background(), time.Now().UTC())
		if err != nil {
			return err
		}
		if len(due) == 0 {
			fmt.Println("No messages due")
			return nil
		}

		for _, msg := range due {
			content := msg.Content
			if len(content) > 60 {
				content = content[:60] + "..."
			}
			fmt.Printf("%s  %s  %s  attempts=%d  %q\n", msg.ID, msg.Kind, msg.Priority, msg.AttemptCount, content)
			if msg.ErrorMessage != "" {
				fmt.Printf("    last error: %s\n", msg.ErrorMessage)
			}
		}
		return nil
	},
}

var outboxEnqueueCmd = &cobra.Command{
	Use:   "enqueue TEXT",
	Short: "Queue a text message for delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if outboxChatID == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			outboxChatID = cfg.Notify.ChatID
		}
		if outboxChatID == "" {
			return errors.New("no chat id: pass --chat or set notify.chat_id")
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		now := time.Now().UTC()
		msg := &outbox.Message{
			ID:        fmt.Sprintf("msg_%s", uuid.New().String()),
			ChatID:    outboxChatID,
			Kind:      outbox.KindText,
			Content:   args[0],
			Priority:  outbox.Priority(outboxPriority),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if outboxKey != "" {
			msg.DedupeKey = &outboxKey
		}

		outcome, err := outbox.NewStore(database).EnqueueOrIgnoreDedupe(context.Background(), msg)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", outcome, msg.ID)
		return nil
	},
}

var outboxCancelCmd = &cobra.Command{
	Use:   "cancel MESSAGE_ID",
	Short: "Cancel a queued message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := outbox.NewStore(database).Cancel(context.Background(), args[0], time.Now().UTC()); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

func init() {
	outboxEnqueueCmd.Flags().StringVar(&outboxChatID, "chat", "", "Target chat id (defaults to notify.chat_id)")
	outboxEnqueueCmd.Flags().StringVar(&outboxPriority, "priority", string(outbox.PriorityNormal), "Priority: low, normal, high")
	outboxEnqueueCmd.Flags().StringVar(&outboxKey, "dedupe-key", "", "Idempotence key")

	OutboxCmd.AddCommand(outboxLsCmd)
	OutboxCmd.AddCommand(outboxEnqueueCmd)
	OutboxCmd.AddCommand(outboxCancelCmd)
}
