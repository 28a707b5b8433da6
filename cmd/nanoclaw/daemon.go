package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"nanoclaw/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.nanoclaw.gateway"
	systemdUnit  = "nanoclaw.service"
)

// serviceSpec holds the values rendered into a launchd plist or systemd unit.
type serviceSpec struct {
	Label   string
	Exec    string
	Config  string
	Log     string
	ErrLog  string
	WorkDir string
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the gateway as a user service (launchd/systemd)",
	}
	cmd.AddCommand(installDaemonCmd())
	cmd.AddCommand(uninstallDaemonCmd())
	return cmd
}

func installDaemonCmd() *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the gateway as a user service",
		Long:  "Generates a service file that runs 'nanoclaw gateway' at login and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			spec := newServiceSpec(execPath, cfgPath)

			var tmpl *template.Template
			var target string
			switch runtime.GOOS {
			case "darwin":
				tmpl, target = launchdTemplate, launchdPath()
			case "linux":
				tmpl, target = systemdTemplate, systemdPath()
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}

			if printOnly {
				return tmpl.Execute(cmd.OutOrStdout(), spec)
			}
			if err := writeServiceFile(target, tmpl, spec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon installed: %s\n", target)
			printServiceHints(cmd.OutOrStdout(), target)
			return nil
		},
	}

	cmd.Flags().BoolVar(&printOnly, "print", false, "print the service file instead of installing it")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gateway user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			switch runtime.GOOS {
			case "darwin":
				target = launchdPath()
			case "linux":
				target = systemdPath()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon uninstalled: %s\n", target)
			return nil
		},
	}
}

func newServiceSpec(execPath, cfgPath string) serviceSpec {
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	return serviceSpec{
		Label:   launchdLabel,
		Exec:    execPath,
		Config:  cfgPath,
		Log:     filepath.Join(logDir, "gateway.log"),
		ErrLog:  filepath.Join(logDir, "gateway-error.log"),
		WorkDir: config.DefaultConfigDir(),
	}
}

func writeServiceFile(target string, tmpl *template.Template, spec serviceSpec) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, spec); err != nil {
		return fmt.Errorf("render service file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(spec.Log), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, buf.Bytes(), 0o644)
}

func printServiceHints(w io.Writer, target string) {
	switch runtime.GOOS {
	case "darwin":
		fmt.Fprintf(w, "To start: launchctl load %s\n", target)
		fmt.Fprintf(w, "To stop:  launchctl unload %s\n", target)
	case "linux":
		fmt.Fprintln(w, "To start:  systemctl --user start nanoclaw")
		fmt.Fprintln(w, "To enable: systemctl --user enable nanoclaw")
		fmt.Fprintln(w, "To stop:   systemctl --user stop nanoclaw")
	}
}

func launchdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func systemdPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", systemdUnit)
}

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>gateway</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`))

var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description=NanoClaw Slack gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.WorkDir}}
ExecStart={{.Exec}} gateway --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))
