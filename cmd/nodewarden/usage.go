package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodewarden/nodewarden/pkg/types"
)

var usageCmd = &cobra.Command{
	Use:   "usage <username>",
	Short: "Show a user's committed traffic usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		window := types.UsageWindow{}
		if since > 0 {
			window.Start = time.Now().Add(-since)
		}

		uplink, downlink, err := store.GetUsage(args[0], window)
		if err != nil {
			return err
		}

		fmt.Printf("User:     %s\n", args[0])
		fmt.Printf("Uplink:   %s\n", formatBytes(uplink))
		fmt.Printf("Downlink: %s\n", formatBytes(downlink))
		fmt.Printf("Total:    %s\n", formatBytes(uplink+downlink))
		return nil
	},
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func init() {
	usageCmd.Flags().String("data-dir", "", "Data directory (default /var/lib/nodewarden)")
	usageCmd.Flags().Duration("since", 0, "Restrict to a trailing window (e.g. 720h)")
}
