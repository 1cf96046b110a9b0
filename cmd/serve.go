package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawcast/internal/httpbridge"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve <instance>",
		Short: "Serve the WebSocket observer bridge",
		Long: "Exposes GET /watch/{session_id}: each connection subscribes to that " +
			"session on the bus, follows its children automatically and streams " +
			"everything to the socket as JSON frames.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := newQuery(cmd, args[0], true)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return httpbridge.NewServer(q).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8790", "listen address")
	return cmd
}
