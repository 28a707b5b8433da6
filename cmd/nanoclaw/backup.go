package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"nanoclaw/internal/config"

	"github.com/spf13/cobra"
)

// archiveEntry pairs a file on disk with its fixed name inside a backup.
type archiveEntry struct {
	Name string
	Path string
}

// backupEntries lists everything a backup carries: the app config, the
// Slack record (credentials and mappings) and the chat database with its
// WAL sidecars.
func backupEntries(cfgPath string, cfg *config.Config) []archiveEntry {
	return []archiveEntry{
		{Name: "config.json", Path: cfgPath},
		{Name: config.SlackConfigFile, Path: cfg.Slack.ConfigPath},
		{Name: "nanoclaw.db", Path: cfg.Store.DBPath},
		{Name: "nanoclaw.db-wal", Path: cfg.Store.DBPath + "-wal"},
		{Name: "nanoclaw.db-shm", Path: cfg.Store.DBPath + "-shm"},
	}
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive config, Slack record and database",
		Long: `Creates a compressed .tar.gz archive containing the config file, the Slack
record with its channel mappings and the SQLite database. The archive holds
tokens, so it is written with owner-only permissions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("nanoclaw-backup-%s.tar.gz", ts))
			}

			written, err := writeArchive(outputPath, backupEntries(cfgPath, cfg))
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backup created: %s\n", outputPath)
			fmt.Fprintf(out, "Files included: %d\n", len(written))
			for _, e := range written {
				fmt.Fprintf(out, "  - %s\n", e.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.nanoclaw/backups/nanoclaw-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore config, Slack record and database from a backup",
		Long: `Restores the files written by 'nanoclaw backup' to the locations the current
config points at. Stop the gateway first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			entries := backupEntries(cfgPath, cfg)

			if !force {
				for _, e := range entries {
					if _, err := os.Stat(e.Path); err == nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: %s exists and would be overwritten.\n", e.Path)
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractArchive(args[0], entries)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restore completed from: %s\n", args[0])
			for _, p := range restored {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files without warning")
	return cmd
}

// writeArchive stores every existing entry under its archive name and
// returns the entries written. Missing files are skipped.
func writeArchive(outputPath string, entries []archiveEntry) ([]archiveEntry, error) {
	var present []archiveEntry
	for _, e := range entries {
		if _, err := os.Stat(e.Path); err == nil {
			present = append(present, e)
		}
	}
	if len(present) == 0 {
		return nil, errors.New("no files to back up")
	}

	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	defer outFile.Close()

	gz := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gz)
	for _, e := range present {
		if err := addFileToTar(tw, e); err != nil {
			return nil, fmt.Errorf("add %s: %w", e.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return present, outFile.Close()
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = e.Name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractArchive writes each known archive member to its entry's path.
// Members with unknown names are skipped.
func extractArchive(archivePath string, entries []archiveEntry) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	targets := make(map[string]string, len(entries))
	for _, e := range entries {
		targets[e.Name] = e.Path
	}

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		target, ok := targets[header.Name]
		if !ok {
			logger.Warn("skipping unknown backup member", "name", header.Name)
			continue
		}
		if err := restoreFile(target, tr); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func restoreFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}
