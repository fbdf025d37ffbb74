// status.go — One-shot health probe against the running bridge.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabbridge/tabbridge/internal/config"
	"github.com/tabbridge/tabbridge/internal/fault"
	"github.com/tabbridge/tabbridge/internal/link"
)

func newStatusCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the running bridge and print its announcement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			ann, err := link.Probe(ctx, cfg.BridgeHost, cfg.BridgePort, timeout)
			if err != nil {
				return fault.Newf(fault.LinkUnavailable, "no bridge answered on %s:%d",
					cfg.BridgeHost, cfg.BridgePort).
					WithNext("start one with `tabbridge run`")
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ann)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "probe timeout")
	return cmd
}
