package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawcast/internal/query"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

func watchCmd() *cobra.Command {
	var (
		fromDisk  bool
		fromStart bool
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "watch <instance> <session-id>",
		Short: "Follow a session and its children live",
		Long: "Subscribes to a session on the bus and transparently follows every child " +
			"session it spawns. With --from-disk the durable message log is tailed " +
			"instead, which works without a broker but does not discover children.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, sessionID := args[0], args[1]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			printEnv := func(prefix string, env protocol.Envelope) {
				if raw {
					data, _ := json.Marshal(env)
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", prefix, data)
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n", prefix, env.Timestamp, env.MessageType)
			}

			if fromDisk {
				q, cleanup, err := newQuery(cmd, instance, false)
				if err != nil {
					return err
				}
				defer cleanup()
				err = q.FollowFile(ctx, sessionID, fromStart, func(env protocol.Envelope) {
					printEnv(sessionID, env)
				})
				if err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			}

			q, cleanup, err := newQuery(cmd, instance, true)
			if err != nil {
				return err
			}
			defer cleanup()

			done := make(chan struct{})
			var finishOnce sync.Once
			sub, err := q.Subscribe(ctx, sessionID, query.SubscribeOptions{
				OnParentMessage: func(env protocol.Envelope) {
					printEnv(sessionID, env)
				},
				OnChildMessage: func(childID, inst string, env protocol.Envelope) {
					printEnv(childID, env)
				},
				OnChildStarted: func(childID, inst string) {
					fmt.Fprintf(cmd.ErrOrStderr(), "child started: %s (%s)\n", childID, inst)
				},
				OnLifecycle: func(id string, payload map[string]any) {
					event, _ := payload["event"].(string)
					status, _ := payload["status"].(string)
					fmt.Fprintf(cmd.ErrOrStderr(), "lifecycle %s: %s %s\n", id, event, status)
					if id == sessionID && event == protocol.LifecycleFinalized {
						finishOnce.Do(func() { close(done) })
					}
				},
				OnError: func(id string, err error) {
					fmt.Fprintf(cmd.ErrOrStderr(), "subscription error on %s: %v\n", id, err)
				},
			})
			if err != nil {
				return err
			}
			defer sub.Stop()

			select {
			case <-ctx.Done():
			case <-done:
				// Give straggling child messages a moment to drain.
				time.Sleep(500 * time.Millisecond)
			}
			sub.Stop()
			sub.Wait(5 * time.Second)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromDisk, "from-disk", false, "tail the durable message log instead of the bus")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "with --from-disk, replay from the first record")
	cmd.Flags().BoolVar(&raw, "raw", false, "print full JSON envelopes")
	return cmd
}
