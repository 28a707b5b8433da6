package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/store"

	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your NanoClaw installation",
		Long: `Verifies that the configuration, Slack record, credentials and database
are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("NanoClaw Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed+1)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 2. Slack record and credentials
			var slackFile *config.SlackFile
			if !cfg.Slack.Enabled {
				printWarn("Slack", "disabled in config")
				warned++
			} else if f, err := config.LoadSlackFile(cfg.Slack.ConfigPath); err != nil {
				printFail("Slack config", err.Error())
				failed++
			} else {
				slackFile = f
				printPass("Slack config", fmt.Sprintf("%s (%d mappings)", cfg.Slack.ConfigPath, len(f.ChannelMappings)))
				passed++
				if len(f.ChannelMappings) == 0 {
					printWarn("Channel mappings", "none: run 'nanoclaw slack map <channelId> <name> <jid>'")
					warned++
				}
			}

			// 3. Slack auth
			if slackFile != nil && !offline {
				if team, err := checkSlackAuth(slackFile.BotToken); err != nil {
					printFail("Slack auth", err.Error())
					failed++
				} else {
					printPass("Slack auth", team)
					passed++
				}
			}

			// 4. Database writable and migrated
			if schema, err := checkDatabase(cfg.Store.DBPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Store.DBPath, schema))
				passed++
			}

			// 5. Metrics listener
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics addr", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe gateway should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! NanoClaw is ready to run.\n")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call the Slack API")
	return cmd
}

func checkSlackAuth(botToken string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := slack.New(botToken).AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth.test: %w", err)
	}
	return fmt.Sprintf("%s as @%s (%s)", resp.Team, resp.User, resp.UserID), nil
}

// checkDatabase opens the store, which applies pending migrations, and
// returns the resulting schema version.
func checkDatabase(dbPath string) (int, error) {
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.NewSQLiteStore(dbPath, quiet)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	return s.SchemaVersion()
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
