package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/harijap/internal/bus"
	"github.com/loqalabs/harijap/internal/config"
	"github.com/spf13/cobra"
)

// commandContext carries the persistent flags shared by every subcommand.
type commandContext struct {
	server  string
	api     string
	devotee string
	timeout time.Duration
	json    bool
}

func (c *commandContext) connect(ctx context.Context, stderr io.Writer) (*bus.Client, error) {
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.BusConfig{Servers: []string{c.server}, ConnectTimeout: int(c.timeout / time.Millisecond)}
	client, err := bus.Connect(ctx, cfg, "japactl", logger)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.server, err)
	}
	return client, nil
}

func (c *commandContext) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.timeout)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "japactl",
		Short:         "Control a running japad chant counter",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.server, "server", envOr("JAPA_SERVER", "nats://127.0.0.1:4222"), "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&ctx.api, "api", envOr("JAPA_API", "http://127.0.0.1:8080"), "japad HTTP API base URL")
	rootCmd.PersistentFlags().StringVarP(&ctx.devotee, "devotee", "d", os.Getenv("JAPA_DEVOTEE"), "Devotee id (defaults to the daemon's default devotee)")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 3*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&ctx.json, "json", false, "Print JSON instead of text")

	for _, cmd := range newCounterCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newSayCommand(ctx))
	rootCmd.AddCommand(newListenCommand(ctx))
	rootCmd.AddCommand(newLeaderboardCommand(ctx))
	rootCmd.AddCommand(newTodayCommand(ctx))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print japactl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
