package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type leaderboardRow struct {
	Rank              int    `json:"rank"`
	DevoteeID         string `json:"devotee_id"`
	TotalCount        int    `json:"total_count"`
	CompletedCycles   int    `json:"completed_cycles"`
	CurrentCycleCount int    `json:"current_cycle_count"`
}

type daySummary struct {
	DevoteeID string `json:"devotee_id"`
	Day       string `json:"day"`
	Counted   int    `json:"counted"`
	Cycles    int    `json:"cycles"`
	Resets    int    `json:"resets"`
	Rejected  int    `json:"rejected"`
}

func newLeaderboardCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Rank devotees by total chants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []leaderboardRow
			path := "/api/leaderboard?limit=" + strconv.Itoa(limit)
			if err := ctx.getJSON(cmd.Context(), path, &rows); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, rows)
			}
			return printLeaderboard(cmd.OutOrStdout(), rows, shouldRenderTable(cmd.OutOrStdout()))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of devotees to show")
	return cmd
}

func newTodayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Summarize today's chanting for the devotee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/today"
			if ctx.devotee != "" {
				path = "/api/counters/" + url.PathEscape(ctx.devotee) + "/today"
			}
			var day daySummary
			if err := ctx.getJSON(cmd.Context(), path, &day); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, day)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s on %s: %d chants, %d malas, %d resets, %d rejected\n",
				day.DevoteeID, day.Day, day.Counted, day.Cycles, day.Resets, day.Rejected)
			return nil
		},
	}
}

func (c *commandContext) getJSON(parent context.Context, path string, v any) error {
	ctx, cancel := c.requestContext(parent)
	defer cancel()

	endpoint := strings.TrimRight(c.api, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("query %s: %s", endpoint, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// printLeaderboard renders a table for terminals and CSV for pipes.
func printLeaderboard(w io.Writer, rows []leaderboardRow, asTable bool) error {
	headers := []string{"Rank", "Devotee", "Chants", "Malas", "Current"}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, []string{
			strconv.Itoa(r.Rank),
			r.DevoteeID,
			strconv.Itoa(r.TotalCount),
			strconv.Itoa(r.CompletedCycles),
			strconv.Itoa(r.CurrentCycleCount),
		})
	}

	if !asTable {
		cw := csv.NewWriter(w)
		if err := cw.Write(headers); err != nil {
			return err
		}
		if err := cw.WriteAll(cells); err != nil {
			return err
		}
		return cw.Error()
	}

	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No chants recorded yet.")
		return err
	}
	_, err := fmt.Fprintln(w, renderLeaderboard(headers, cells))
	return err
}
