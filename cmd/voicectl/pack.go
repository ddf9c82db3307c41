package main

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-bridge/internal/errcode"
	"github.com/loqalabs/loqa-bridge/internal/voice"
	"github.com/spf13/cobra"
)

func loadPack(path string) (voice.Manifest, error) {
	m, err := voice.LoadManifest(path)
	if err != nil {
		return voice.Manifest{}, err
	}
	return m, voice.ValidateManifest(m)
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <voices.yaml>",
		Short: "Check a voice pack manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadPack(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest valid: %s %s (%d voices)\n", m.Metadata.Name, m.Metadata.Version, len(m.Voices))
			return nil
		},
	}
}

func (c *cli) importCmd() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import <voices.yaml>",
		Short: "Register every voice of a voice pack",
		Long: `Registers every voice declared in a voice pack manifest. Existing tokens
fail the import unless --replace is given, in which case they are replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadPack(args[0])
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

			out := cmd.OutOrStdout()
			for _, rec := range m.Voices {
				action := voice.ActionRegistered
				err := reg.Register(ctx, rec)
				if replace && errcode.Has(err, errcode.DuplicateToken) {
					action = voice.ActionReplaced
					err = reg.Replace(ctx, rec)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s\n", action, rec.Token)
			}
			return c.announce(ctx, cfg, out, "", voice.ActionReplaced)
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace voices whose token already exists")
	return cmd
}
