package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ali-staifi/clever-assistant-ollie-whisper-sub002/internal/health"
)

// errUnhealthy is returned when a critical check fails, so the exit code is 1.
var errUnhealthy = errors.New("a critical backend is unavailable")

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the configured backends once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.health(cmd.Context())
		},
	}
}

func (c *cli) health(ctx context.Context) error {
	a, cleanup, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rep := a.Health().Check(ctx)
	names := make([]string, 0, len(rep.Checks))
	for name := range rep.Checks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "%-10s %s\n", name, rep.Checks[name])
	}
	fmt.Fprintf(c.out, "%-10s %s\n", "status", rep.Status)

	if rep.Status == health.StatusFail {
		return errUnhealthy
	}
	return nil
}
