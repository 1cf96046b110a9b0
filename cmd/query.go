package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawcast/internal/agent"
	"github.com/nextlevelbuilder/clawcast/internal/tracing"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

func queryCmd() *cobra.Command {
	var (
		resumeID string
		parentID string
		noRecord bool
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "query <instance> <prompt>",
		Short: "Run one agent turn against an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			instance, prompt := args[0], args[1]
			ctx := cmd.Context()

			shutdown, err := tracing.Init(ctx, "clawcast")
			if err != nil {
				return err
			}
			defer shutdown(ctx)

			runtime := agent.NewRuntime(instancesRoot, instance, agent.Deps{})
			if err := runtime.Initialize(ctx); err != nil {
				return err
			}
			defer runtime.Cleanup()

			stream, err := runtime.Query(ctx, prompt, agent.QueryOpts{
				NoRecord: noRecord,
				ResumeID: resumeID,
				ParentID: parentID,
			})
			if err != nil {
				return err
			}
			if stream.SessionID != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "session:", stream.SessionID)
			}

			for env := range stream.C {
				switch env.MessageType {
				case protocol.MessageTypeAssistant:
					if quiet {
						continue
					}
					msg, err := protocol.DecodeAssistant(env)
					if err != nil {
						continue
					}
					for _, block := range msg.Content {
						switch block.Type {
						case protocol.BlockTypeText:
							fmt.Fprintln(cmd.OutOrStdout(), block.Text)
						case protocol.BlockTypeToolUse:
							fmt.Fprintf(cmd.ErrOrStderr(), "-> tool %s\n", block.Name)
						}
					}
				case protocol.MessageTypeResult:
					res, err := protocol.DecodeResult(env)
					if err != nil {
						continue
					}
					if quiet {
						fmt.Fprintln(cmd.OutOrStdout(), res.Result)
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "done: %s in %d turns, $%.4f\n",
						res.Subtype, res.NumTurns, res.TotalCostUSD)
				}
			}
			return stream.Err()
		},
	}

	cmd.Flags().StringVar(&resumeID, "resume", "", "resume an existing session id")
	cmd.Flags().StringVar(&parentID, "parent", "", "link the session under this parent session id")
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "skip durable session recording")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final result")
	return cmd
}
