package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/voice"
	"github.com/spf13/cobra"
)

const storeTimeout = 10 * time.Second

func (c *cli) listCmd() *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()
			reg, st, _, err := c.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			records := reg.List()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tNAME\tMODULE\tCLASS\tLANGUAGE")
			n := 0
			for _, rec := range records {
				if module != "" && rec.Module != module {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.Token, rec.Name, rec.Module, rec.Class, rec.Language)
				n++
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no voices registered")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "Only list voices of this backend module")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Print one voice record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()
			reg, st, _, err := c.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := reg.Resolve(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

// recordFlags binds the flags that describe a voice record.
type recordFlags struct {
	rec    voice.Record
	config []string
}

func (f *recordFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.rec.Token, "token", "", "Voice token (required)")
	cmd.Flags().StringVar(&f.rec.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&f.rec.Vendor, "vendor", "", "Vendor")
	cmd.Flags().StringVar(&f.rec.Module, "module", "", "Backend module (required)")
	cmd.Flags().StringVar(&f.rec.Class, "class", "", "Backend-specific voice class")
	cmd.Flags().StringVar(&f.rec.Language, "language", "", "Language tag")
	cmd.Flags().StringVar(&f.rec.Gender, "gender", "", "Gender")
	cmd.Flags().StringSliceVar(&f.rec.SearchPaths, "search-path", nil, "Backend search path (repeatable)")
	cmd.Flags().StringArrayVar(&f.config, "set", nil, "Backend config entry key=value (repeatable)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("module")
}

func (f *recordFlags) record() (voice.Record, error) {
	rec := f.rec.Clone()
	if len(f.config) > 0 {
		rec.Config = make(map[string]string, len(f.config))
		for _, kv := range f.config {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return voice.Record{}, fmt.Errorf("config entry %q is not key=value", kv)
			}
			rec.Config[key] = value
		}
	}
	return rec, rec.Validate()
}

func (c *cli) registerCmd() *cobra.Command {
	flags := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new voice; fails if the token exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.mutate(cmd, flags, voice.ActionRegistered)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (c *cli) replaceCmd() *cobra.Command {
	flags := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "replace",
		Short: "Replace an existing voice record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.mutate(cmd, flags, voice.ActionReplaced)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (c *cli) mutate(cmd *cobra.Command, flags *recordFlags, action voice.Action) error {
	rec, err := flags.record()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
	defer cancel()
	reg, st, cfg, err := c.openRegistry(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if action == voice.ActionRegistered {
		err = reg.Register(ctx, rec)
	} else {
		err = reg.Replace(ctx, rec)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", action, rec.Token)
	return c.announce(ctx, cfg, cmd.OutOrStdout(), rec.Token, action)
}

func (c *cli) unregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <token>",
		Short: "Remove a voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()
			reg, st, cfg, err := c.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := reg.Unregister(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", voice.ActionUnregistered, args[0])
			return c.announce(ctx, cfg, cmd.OutOrStdout(), args[0], voice.ActionUnregistered)
		},
	}
}

func (c *cli) sessionsCmd() *cobra.Command {
	var (
		voiceToken string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show recent synthesis sessions from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()
			_, st, _, err := c.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			sessions, err := st.RecentSessions(ctx, voiceToken, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tVOICE\tSTATUS\tCODE\tCHUNKS\tSTARTED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.Voice, s.Status, s.Code, s.Chunks, s.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&voiceToken, "voice", "", "Only show sessions of this voice")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions")
	return cmd
}
