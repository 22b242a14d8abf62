package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/harijap/internal/protocol"
	"github.com/spf13/cobra"
)

func newSayCommand(ctx *commandContext) *cobra.Command {
	var partial bool
	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Publish a transcript as if it had been heard",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.connect(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer client.Close()

			subject := protocol.SubjectTranscriptFinal
			if partial {
				subject = protocol.SubjectTranscriptPartial
			}
			tr := protocol.Transcript{
				SessionID:  ctx.devotee,
				Text:       strings.Join(args, " "),
				Partial:    partial,
				Timestamp:  time.Now().UTC(),
				Confidence: 1,
			}
			if err := client.PublishJSON(subject, tr); err != nil {
				return fmt.Errorf("publish transcript: %w", err)
			}
			if err := client.Conn().Flush(); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %q\n", tr.Text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&partial, "partial", false, "Publish as a partial transcript")
	return cmd
}

func newListenCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "listen on|off",
		Short:     "Turn chant listening on or off",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			client, err := ctx.connect(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer client.Close()

			ctrl := protocol.ListenControl{SessionID: ctx.devotee, Listening: on}
			if err := client.PublishJSON(protocol.SubjectListenControl, ctrl); err != nil {
				return fmt.Errorf("publish listen control: %w", err)
			}
			if err := client.Conn().Flush(); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening %s\n", args[0])
			return nil
		},
	}
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "start", "true":
		return true, nil
	case "off", "stop", "false":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", v)
	}
}
