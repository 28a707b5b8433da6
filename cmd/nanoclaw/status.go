package main

import (
	"fmt"
	"io"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/domain"
	"nanoclaw/internal/store"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent chat activity and outbound deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			s, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("chat store: %w", err)
			}
			defer s.Close()

			ctx := cmd.Context()
			chats, err := s.ListChats(ctx, limit)
			if err != nil {
				return err
			}
			deliveries, err := s.RecentDeliveries(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Slack configured: %v\n\n", config.IsSlackConfigured(cfg.Slack.ConfigPath))
			printChats(out, chats)
			fmt.Fprintln(out)
			printDeliveries(out, deliveries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "rows per section")
	return cmd
}

func printChats(w io.Writer, chats []domain.Chat) {
	fmt.Fprintf(w, "Chats (%d)\n", len(chats))
	for _, c := range chats {
		fmt.Fprintf(w, "  %-24s %-8s %s\n", c.JID, c.Channel, c.LastMessageTime.Local().Format(time.DateTime))
	}
}

func printDeliveries(w io.Writer, deliveries []domain.DeliveryRecord) {
	fmt.Fprintf(w, "Deliveries (%d)\n", len(deliveries))
	for _, d := range deliveries {
		state := "ok"
		if !d.OK {
			state = "FAILED: " + d.Error
		}
		thread := ""
		if d.Threaded {
			thread = " thread"
		}
		fmt.Fprintf(w, "  %s %-24s %5d chars%s %s\n",
			d.CreatedAt.Local().Format(time.DateTime), d.JID, d.Length, thread, state)
	}
}
