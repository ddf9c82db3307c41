package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/store"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	"github.com/spf13/cobra"
)

// cli holds the flags shared by every command.
type cli struct {
	cfgFile string
	envFile string
	notify  bool
	verbose bool

	// loadConfig is replaced in tests.
	loadConfig func() (config.Config, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	c.loadConfig = c.readConfig

	root := &cobra.Command{
		Use:   "voicectl",
		Short: "Manage loqa-bridge voices and talk to a running bridge",
		Long: `voicectl edits the voice registry used by loqa-bridge and can call a
running bridge over its plugin protocol.

Registry commands work on the bridge's SQLite store directly. With --notify
they announce the change on the bus so a running bridge reloads.

Examples:
  voicectl list
  voicectl register --token en-amy --module openai --class nova
  voicectl unregister en-amy --notify
  voicectl speak --voice en-amy --text "hello" --out hello.wav`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "loqa-bridge.yaml", "Bridge configuration file")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "Optional dotenv file")
	root.PersistentFlags().BoolVar(&c.notify, "notify", false, "Publish registry changes on the bus")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Verbose output")

	root.AddCommand(
		c.listCmd(),
		c.showCmd(),
		c.registerCmd(),
		c.replaceCmd(),
		c.unregisterCmd(),
		c.sessionsCmd(),
		c.validateCmd(),
		c.importCmd(),
		c.capabilitiesCmd(),
		c.speakCmd(),
		c.bridgesCmd(),
	)
	return root
}

// readConfig loads the bridge config. A missing default config file falls
// back to built-in defaults plus environment overrides.
func (c *cli) readConfig() (config.Config, error) {
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return config.Config{}, err
	}
	path := c.cfgFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "loqa-bridge.yaml" {
		path = ""
	}
	return config.Load(path)
}

func (c *cli) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openRegistry opens the store named by the config and loads the registry
// over it. The returned close function releases the store.
func (c *cli) openRegistry(ctx context.Context) (*voice.Registry, *store.Store, config.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, cfg, err
	}
	st, err := store.Open(ctx, cfg.Store, c.logger())
	if err != nil {
		return nil, nil, cfg, fmt.Errorf("open store: %w", err)
	}
	reg, err := voice.NewRegistry(ctx, st, c.logger())
	if err != nil {
		_ = st.Close()
		return nil, nil, cfg, err
	}
	return reg, st, cfg, nil
}

// announce publishes a voices.changed notification when --notify is set.
func (c *cli) announce(ctx context.Context, cfg config.Config, out io.Writer, token string, action voice.Action) error {
	if !c.notify {
		return nil
	}
	if !cfg.Bus.Enabled {
		return errors.New("--notify requires bus.enabled in the bridge config")
	}
	client, err := bus.Connect(ctx, cfg.Bus, "voicectl", c.logger())
	if err != nil {
		return err
	}
	defer client.Close()

	msg := protocol.VoicesChanged{Token: token, Action: string(action), Timestamp: time.Now().UTC()}
	if err := client.PublishJSON(protocol.SubjectVoicesChanged, msg); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	if err := client.Flush(2 * time.Second); err != nil {
		return fmt.Errorf("flush bus: %w", err)
	}
	fmt.Fprintf(out, "notified %s\n", protocol.SubjectVoicesChanged)
	return nil
}
