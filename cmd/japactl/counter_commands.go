package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/harijap/internal/protocol"
	"github.com/spf13/cobra"
)

func newCounterCommands(ctx *commandContext) []*cobra.Command {
	tapCmd := &cobra.Command{
		Use:   "tap",
		Short: "Count one repetition manually",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCounterCommand(cmd, ctx, protocol.SubjectCounterIncrement)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the devotee's count and mala progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCounterCommand(cmd, ctx, protocol.SubjectCounterReset)
		},
	}

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Show the devotee's current count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCounterCommand(cmd, ctx, protocol.SubjectCounterState)
		},
	}

	return []*cobra.Command{tapCmd, resetCmd, stateCmd}
}

func runCounterCommand(cmd *cobra.Command, ctx *commandContext, subject string) error {
	client, err := ctx.connect(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer client.Close()

	reqCtx, cancel := ctx.requestContext(cmd.Context())
	defer cancel()

	var reply protocol.CounterReply
	req := protocol.CounterCommand{SessionID: ctx.devotee, Timestamp: time.Now().UTC()}
	if err := client.RequestJSON(reqCtx, subject, req, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	if ctx.json {
		return writeJSON(cmd, reply)
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatState(reply))
	return nil
}

func formatState(reply protocol.CounterReply) string {
	st := reply.State
	line := fmt.Sprintf("%s: %d total, %d/%d in current mala, %d malas complete",
		reply.SessionID, st.TotalCount, st.CurrentCycleCount, st.CycleSize, st.CompletedCycles)
	if !st.LastMatch.IsZero() {
		line += fmt.Sprintf(" (last %s)", st.LastMatch.Local().Format(time.DateTime))
	}
	return line
}
