package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/capability"
	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/transport"
	"github.com/spf13/cobra"
)

// endpoint selects the bridge to talk to. Empty fields fall back to the
// transport section of the config.
type endpoint struct {
	network string
	address string
	timeout time.Duration
}

func (e *endpoint) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&e.network, "network", "", "Transport network: unix, tcp or websocket")
	cmd.Flags().StringVar(&e.address, "address", "", "Transport address")
	cmd.Flags().DurationVar(&e.timeout, "timeout", 30*time.Second, "Overall request timeout")
}

func (c *cli) dial(ctx context.Context, e *endpoint) (*transport.Client, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	network, address := e.network, e.address
	if network == "" {
		network = cfg.Transport.Network
	}
	if address == "" {
		address = cfg.Transport.Address
		if network == "websocket" {
			address = "ws://" + cfg.Transport.WebSocketBind + transport.WebSocketPath
		}
	}
	return transport.Dial(ctx, network, address, cfg.Transport.MaxFrameBytes)
}

// completionError turns a non-completed completion into an error.
func completionError(comp protocol.Completion) error {
	if comp.Status == protocol.StatusCompleted {
		return nil
	}
	if comp.Code != "" {
		return fmt.Errorf("%s: %w", comp.Status, errcode.New(comp.Code, comp.Message))
	}
	return fmt.Errorf("%s: %s", comp.Status, comp.Message)
}

func (c *cli) capabilitiesCmd() *cobra.Command {
	e := &endpoint{}
	cmd := &cobra.Command{
		Use:   "capabilities [token]",
		Short: "Ask a running bridge what a voice (or the bridge) supports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), e.timeout)
			defer cancel()
			client, err := c.dial(ctx, e)
			if err != nil {
				return err
			}
			defer client.Close()

			req := protocol.Request{Op: capability.OpCapabilities}
			if len(args) == 1 {
				req.Voice = args[0]
			}
			comp, err := client.Call(req, transport.Handlers{})
			if err != nil {
				return err
			}
			if err := completionError(comp); err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, comp.Result, "", "  "); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			pretty.WriteByte('\n')
			_, err = pretty.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
	e.bind(cmd)
	return cmd
}

func (c *cli) speakCmd() *cobra.Command {
	var (
		e          = &endpoint{}
		voiceToken string
		text       string
		outPath    string
		sampleRate int
		events     bool
	)
	cmd := &cobra.Command{
		Use:   "speak",
		Short: "Synthesize text through a running bridge into a WAV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), e.timeout)
			defer cancel()
			client, err := c.dial(ctx, e)
			if err != nil {
				return err
			}
			defer client.Close()
			context.AfterFunc(ctx, func() { _ = client.Close() })

			format := audio.Format{Encoding: audio.EncodingPCM, SampleRate: sampleRate, Channels: 1}
			var pcm bytes.Buffer
			out := cmd.OutOrStdout()
			comp, err := client.Call(protocol.Request{
				Op:     capability.OpSynthesize,
				Voice:  voiceToken,
				Text:   text,
				Format: &format,
			}, transport.Handlers{
				Chunk: func(_ uint32, data []byte) { pcm.Write(data) },
				Event: func(ev protocol.Event) {
					if events {
						fmt.Fprintf(out, "%6dms %-6s %q\n", ev.OffsetMS, ev.Kind, ev.Text)
					}
				},
			})
			if err != nil {
				return err
			}
			if err := completionError(comp); err != nil {
				return err
			}

			wav, err := audio.EncodeWAV(pcm.Bytes(), format)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, wav, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Fprintf(out, "wrote %s (%d bytes of audio)\n", outPath, pcm.Len())
			return nil
		},
	}
	e.bind(cmd)
	cmd.Flags().StringVar(&voiceToken, "voice", "", "Voice token (required)")
	cmd.Flags().StringVar(&text, "text", "", "Text to speak (required)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "speech.wav", "Output WAV file")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", audio.Default.SampleRate, "Output sample rate")
	cmd.Flags().BoolVar(&events, "events", false, "Print word events as they arrive")
	_ = cmd.MarkFlagRequired("voice")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func (c *cli) bridgesCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "bridges",
		Short: "List bridges announcing themselves on the bus",
		Long: `Listens on the bus for bridge heartbeats and prints every bridge heard
from. Wait at least one heartbeat interval to see all of them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Bus.Enabled {
				return fmt.Errorf("bridges requires bus.enabled in the bridge config")
			}
			client, err := bus.Connect(cmd.Context(), cfg.Bus, "voicectl", c.logger())
			if err != nil {
				return err
			}
			defer client.Close()

			presence := capability.NewPresence(client, nil, capability.PresenceOptions{
				HeartbeatInterval: time.Duration(cfg.Bus.HeartbeatIntervalMS) * time.Millisecond,
				HeartbeatTimeout:  time.Duration(cfg.Bus.HeartbeatTimeoutMS) * time.Millisecond,
			}, c.logger())
			if err := presence.Start(cmd.Context()); err != nil {
				return err
			}
			defer presence.Close()

			select {
			case <-cmd.Context().Done():
			case <-time.After(wait):
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVOICES\tFAMILIES\tTRANSPORT\tLAST SEEN")
			for _, b := range presence.Bridges() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", b.ID, b.Name, b.Voices,
					strings.Join(b.Families, ","), strings.Join(b.Transport, ","), b.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 6*time.Second, "How long to listen for heartbeats")
	return cmd
}
