package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"nanoclaw/internal/channel"
	"nanoclaw/internal/config"
	"nanoclaw/internal/domain"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func slackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slack",
		Short: "Manage Slack credentials and channel mappings",
	}
	cmd.AddCommand(slackInitCmd())
	cmd.AddCommand(slackStatusCmd())
	cmd.AddCommand(slackChannelsCmd())
	cmd.AddCommand(slackMapCmd())
	cmd.AddCommand(slackUnmapCmd())
	cmd.AddCommand(slackMappingsCmd())
	return cmd
}

// loadSlackSetup loads the app config and builds an offline adapter over
// its Slack record.
func loadSlackSetup() (*config.Config, *channel.Slack, error) {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	sl := channel.NewSlack(slackChannelConfig(cfg))
	return cfg, sl, nil
}

func slackChannelConfig(cfg *config.Config) channel.SlackConfig {
	return channel.SlackConfig{
		ConfigPath:        cfg.Slack.ConfigPath,
		AssistantName:     cfg.General.AssistantName,
		Logger:            logger,
		ConnectTimeout:    cfg.Slack.ConnectTimeout(),
		UserLookupTimeout: cfg.Slack.UserLookupTimeout(),
		SendRatePerSecond: cfg.Slack.SendRatePerSecond,
		WatchConfig:       cfg.Slack.WatchConfig,
	}
}

func slackInitCmd() *cobra.Command {
	var botToken, appToken string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write Slack bot and app tokens",
		Long: `Writes the Slack record used by the gateway. Existing channel mappings
are kept, so re-running this only rotates the tokens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.InitSlackFile(cfg.Slack.ConfigPath, botToken, appToken); err != nil {
				return err
			}
			logger.Info("slack credentials saved", "path", cfg.Slack.ConfigPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&botToken, "bot-token", "", "bot user OAuth token (xoxb-...)")
	cmd.Flags().StringVar(&appToken, "app-token", "", "app-level token with connections:write (xapp-...)")
	cmd.MarkFlagRequired("bot-token")
	cmd.MarkFlagRequired("app-token")
	return cmd
}

func slackStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether Slack is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			path := cfg.Slack.ConfigPath
			if !config.IsSlackConfigured(path) {
				fmt.Fprintf(out, "Slack: not configured (%s)\n", path)
				fmt.Fprintln(out, "Run 'nanoclaw slack init --bot-token ... --app-token ...'")
				return nil
			}
			f, err := config.LoadSlackFile(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Slack: configured (%s)\n", path)
			return printJSON(out, config.SanitizeSlack(f))
		},
	}
}

func slackChannelsCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List Slack channels visible to the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sl, err := loadSlackSetup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := sl.Connect(ctx); err != nil {
				return err
			}
			defer sl.Disconnect(context.Background())

			channels, err := sl.GetAvailableChannels(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ch := range channels {
				member := ""
				if ch.IsMember {
					member = "member"
				}
				fmt.Fprintf(out, "%-12s %-32s %s\n", ch.ID, "#"+ch.Name, member)
			}
			fmt.Fprintf(out, "%d channels\n", len(channels))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall time limit")
	return cmd
}

func slackMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "map [channelId] [channelName] [jid]",
		Short: "Bind a Slack channel to a NanoClaw group",
		Long: `Binds a Slack channel to a group. A channel or group that is already
bound is re-pointed, so each side stays in at most one mapping.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sl, err := loadSlackSetup()
			if err != nil {
				return err
			}
			if err := sl.LoadConfig(); err != nil {
				return err
			}
			return sl.AddMapping(args[0], args[1], args[2])
		},
	}
}

func slackUnmapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmap [channelId]",
		Short: "Remove the mapping for a Slack channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sl, err := loadSlackSetup()
			if err != nil {
				return err
			}
			if err := sl.LoadConfig(); err != nil {
				return err
			}
			return sl.RemoveMapping(args[0])
		},
	}
}

func slackMappingsCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "List channel mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sl, err := loadSlackSetup()
			if err != nil {
				return err
			}
			if err := sl.LoadConfig(); err != nil {
				return err
			}
			return printMappings(cmd.OutOrStdout(), sl.ListMappings(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json, yaml")
	return cmd
}

func printMappings(w io.Writer, mappings []domain.ChannelMapping, format string) error {
	switch format {
	case "json":
		return printJSON(w, mappings)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(mappings); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		if len(mappings) == 0 {
			_, err := fmt.Fprintln(w, "no channel mappings")
			return err
		}
		fmt.Fprintf(w, "%-12s %-24s %s\n", "CHANNEL", "NAME", "JID")
		for _, m := range mappings {
			fmt.Fprintf(w, "%-12s %-24s %s\n", m.SlackChannelID, "#"+m.SlackChannelName, m.JID)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}
