package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scangate/internal/config"
	"scangate/internal/daemon"
	"scangate/internal/events"
)

var (
	eventsConfigPath string
	eventsLimit      int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent security events, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := daemon.DefaultEventsPath()
		if eventsConfigPath != "" {
			cfg, err := config.Load(eventsConfigPath)
			if err != nil {
				return err
			}
			if cfg.Events.Path != "" {
				path = cfg.Events.Path
			}
		}

		store, err := events.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()

		recent, err := store.Recent(context.Background(), eventsLimit)
		if err != nil {
			return err
		}
		if len(recent) == 0 {
			fmt.Println("no security events recorded")
			return nil
		}
		for _, e := range recent {
			line := fmt.Sprintf("%s  %-14s %s", e.Time.Format(time.RFC3339), e.Kind, e.Path)
			if e.Signature != "" {
				line += "  [" + e.Signature + "]"
			}
			if e.Detail != "" {
				line += "  " + e.Detail
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsConfigPath, "config", "c", "", "scangate configuration file")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "maximum number of events to show")
	rootCmd.AddCommand(eventsCmd)
}
