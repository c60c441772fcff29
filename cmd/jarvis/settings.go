package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/settings"
)

func (c *cli) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the persisted user settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the settings as JSON (the Tavily key is redacted)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.showSettings(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "language <locale>",
			Short: "Set the response language (e.g. fr-FR, en-US)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.updateSettings(cmd.Context(), func(s *settings.Settings) {
					s.Language = args[0]
				})
			},
		},
		c.voiceCmd(),
		&cobra.Command{
			Use:   "tavily-key <key>",
			Short: `Save the Tavily API key; "" removes it`,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.updateSettings(cmd.Context(), func(s *settings.Settings) {
					s.TavilyAPIKey = strings.TrimSpace(args[0])
				})
			},
		},
	)
	return cmd
}

// voiceCmd changes only the voice fields given as flags.
func (c *cli) voiceCmd() *cobra.Command {
	var v settings.VoiceSettings
	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Change the synthesis voice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			return c.updateSettings(cmd.Context(), func(s *settings.Settings) {
				if f.Changed("name") {
					s.Voice.VoiceName = v.VoiceName
				}
				if f.Changed("rate") {
					s.Voice.Rate = v.Rate
				}
				if f.Changed("pitch") {
					s.Voice.Pitch = v.Pitch
				}
				if f.Changed("volume") {
					s.Voice.Volume = v.Volume
				}
				if f.Changed("robotic") {
					s.Voice.RoboticEffect = v.RoboticEffect
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&v.VoiceName, "name", "", "voice name as listed by the TTS server")
	f.Float64Var(&v.Rate, "rate", 1, "speaking rate")
	f.Float64Var(&v.Pitch, "pitch", 1, "pitch")
	f.Float64Var(&v.Volume, "volume", 1, "volume")
	f.BoolVar(&v.RoboticEffect, "robotic", false, "apply the robotic voice effect")
	return cmd
}

func (c *cli) showSettings(ctx context.Context) error {
	repo, closeStore, err := c.openSettings(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cur, err := repo.Load(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(cur.Redacted())
}

// updateSettings applies fn, validates and saves, then prints the result.
func (c *cli) updateSettings(ctx context.Context, fn func(*settings.Settings)) error {
	repo, closeStore, err := c.openSettings(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	updated, err := repo.Update(ctx, func(s *settings.Settings) error {
		fn(s)
		return s.Validate()
	})
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return c.printJSON(updated.Redacted())
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
