// Package main provides a thin example CLI exercising the kpxc-go public
// API: connect, open a database, generate a password, and fetch logins for
// a URL. It is packaging around the library, not part of the engine's
// import graph.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinstash/kpxc-go/internal/client"
	"github.com/coinstash/kpxc-go/internal/config"
	"github.com/coinstash/kpxc-go/internal/logging"
	"github.com/coinstash/kpxc-go/internal/metrics"
	"github.com/coinstash/kpxc-go/internal/registry"
	"github.com/coinstash/kpxc-go/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "kpxc-cli",
		Short:   "kpxc-cli - example client for the keepassxc-proxy browser protocol",
		Version: Version,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a kpxc-go YAML config file")

	rootCmd.AddCommand(connectCmd(&configPath))
	rootCmd.AddCommand(getLoginsCmd(&configPath))
	rootCmd.AddCommand(generatePasswordCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildClient loads configuration (or falls back to Default) and
// constructs a client.Client ready to Connect.
func buildClient(configPath string) (*client.Client, *config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	var reg registry.Registry
	if cfg.Registry.Path != "" {
		fileStore, err := registry.OpenFileStore(cfg.Registry.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open registry: %w", err)
		}
		reg = fileStore
	} else {
		reg = registry.NewMemory()
	}

	transport.EscalationTimer = cfg.Proxy.EscalationTimeout

	ccfg := client.DefaultConfig(reg)
	ccfg.ProcessConfig.ProgramName = cfg.Proxy.ProgramName
	ccfg.ProcessConfig.Logger = logger
	ccfg.Logger = logger
	ccfg.Metrics = metrics.NewMetrics()
	ccfg.Options = client.Options{
		AllowNewDatabase:    cfg.Options.AllowNewDatabase,
		TriggerUnlock:       cfg.Options.TriggerUnlock,
		OpenOnConnect:       cfg.Options.OpenOnConnect,
		AllowDatabaseChange: cfg.Options.AllowDatabaseChange,
		DisconnectOnClose:   cfg.Options.DisconnectOnClose,
	}

	return client.New(ccfg), cfg, nil
}

// runUntilUnlockedOrError drives the client's event stream until it reaches
// Unlocked, hits a fatal error, or ctx is done, printing each event.
func runUntilUnlockedOrError(ctx context.Context, c *client.Client) error {
	for {
		select {
		case ev := <-c.Events():
			logEvent(ev)
			switch ev.Kind {
			case client.EventStateChanged:
				if ev.State == client.Unlocked {
					return nil
				}
				if ev.State == client.Disconnected {
					return fmt.Errorf("kpxc-cli: disconnected before unlocking")
				}
			case client.EventErrorOccurred:
				if ev.Err.Unrecoverable {
					return fmt.Errorf("kpxc-cli: %w", ev.Err)
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func logEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventErrorOccurred:
		fmt.Fprintf(os.Stderr, "error: %s\n", ev.Err)
	case client.EventStateChanged:
		fmt.Printf("state: %s\n", ev.State)
	case client.EventDatabaseOpened:
		fmt.Printf("database opened\n")
	}
}

func connectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect to keepassxc-proxy and open the active database",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := buildClient(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Disconnect()

			return runUntilUnlockedOrError(ctx, c)
		},
	}
}

func getLoginsCmd(configPath *string) *cobra.Command {
	var submitURL string
	var httpAuth bool
	var searchAll bool

	cmd := &cobra.Command{
		Use:   "get-logins <url>",
		Short: "Open the database and fetch stored logins matching a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := buildClient(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Disconnect()

			if err := runUntilUnlockedOrError(ctx, c); err != nil {
				return err
			}

			c.GetLogins(args[0], submitURL, httpAuth, searchAll)

			for done := false; !done; {
				select {
				case ev := <-c.Events():
					if ev.Kind == client.EventErrorOccurred {
						return fmt.Errorf("get-logins: %w", ev.Err)
					}
					if ev.Kind != client.EventLoginsReceived {
						continue
					}
					out, _ := json.MarshalIndent(ev.Logins, "", "  ")
					fmt.Println(string(out))
					done = true
				case <-time.After(10 * time.Second):
					return fmt.Errorf("get-logins: timed out waiting for reply")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&submitURL, "submit-url", "", "form submit URL, if different from url")
	cmd.Flags().BoolVar(&httpAuth, "http-auth", false, "restrict to HTTP-auth entries")
	cmd.Flags().BoolVar(&searchAll, "search-all", false, "search every open database, not just the associated one")
	return cmd
}

func generatePasswordCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-password",
		Short: "Ask the daemon to generate a password using its configured generator settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := buildClient(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Disconnect()

			// generate-password only requires a live connection, not an
			// unlocked database, so just wait for the handshake.
			for connected := false; !connected; {
				select {
				case ev := <-c.Events():
					if ev.Kind == client.EventErrorOccurred || ev.Kind == client.EventDisconnected {
						return fmt.Errorf("generate-password: unexpected event %s before handshake", ev.Kind)
					}
					connected = ev.Kind == client.EventConnected
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			c.GeneratePassword()
			for done := false; !done; {
				select {
				case ev := <-c.Events():
					if ev.Kind == client.EventErrorOccurred {
						return fmt.Errorf("generate-password: %w", ev.Err)
					}
					for _, p := range ev.Passwords {
						fmt.Println(p)
					}
					done = ev.Kind == client.EventPasswordsGenerated
				case <-time.After(10 * time.Second):
					return fmt.Errorf("generate-password: timed out waiting for reply")
				}
			}
			return nil
		},
	}
}
