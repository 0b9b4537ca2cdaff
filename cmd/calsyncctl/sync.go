// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mobiletoly/go-calsync/calsync"
	"github.com/spf13/cobra"
)

func newSyncCmd(app *cliApp) *cobra.Command {
	var (
		direction string
		full      bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync job and wait for it",
		Long: `Run a sync job for the selected user and calendar and wait until it
finishes.

Directions:
  pull           apply remote changes from the delta feed
  push           send local edits and deletions upstream
  bidirectional  pull, then push (default)

The stored delta cursor is reused unless --full is given or the last full
sync is older than a week.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			jobID, err := eng.orch.StartSync(ctx, app.userID, calsync.StartOptions{
				Direction:     calsync.Direction(direction),
				Trigger:       calsync.TriggerCLI,
				CalendarID:    app.calendarID,
				ForceFullSync: full,
			})
			if err != nil {
				return err
			}
			job, err := eng.orch.AwaitJob(ctx, jobID)
			if err != nil {
				_ = eng.orch.CancelSync(app.userID, jobID)
				return fmt.Errorf("waiting for sync job: %w", err)
			}

			out := cmd.OutOrStdout()
			if app.jsonOut {
				if err := app.printJSON(out, job); err != nil {
					return err
				}
			} else {
				printJob(cmd, job)
			}
			if job.Status == calsync.JobFailed {
				return fmt.Errorf("sync failed: %s", job.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&direction, "direction", "d", string(calsync.DirectionBidirectional), "pull, push or bidirectional")
	cmd.Flags().BoolVar(&full, "full", false, "Ignore the stored delta cursor")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up waiting after this long (0 waits forever)")
	return cmd
}

func printJob(cmd *cobra.Command, job calsync.SyncJob) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s %s (%s, %s)\n", job.ID, job.Status, job.Direction, job.Duration().Round(time.Millisecond))
	r := job.Result
	if r == nil {
		return
	}
	mode := "delta"
	if r.FullSync {
		mode = "full"
	}
	fmt.Fprintf(out, "  mode:       %s\n", mode)
	fmt.Fprintf(out, "  processed:  %d\n", r.Processed)
	fmt.Fprintf(out, "  created:    %d\n", r.Created)
	fmt.Fprintf(out, "  updated:    %d\n", r.Updated)
	fmt.Fprintf(out, "  deleted:    %d\n", r.Deleted)
	fmt.Fprintf(out, "  pushed:     %d\n", r.Pushed)
	fmt.Fprintf(out, "  skipped:    %d\n", r.Skipped)
	fmt.Fprintf(out, "  conflicts:  %d\n", r.ConflictCount)
	fmt.Fprintf(out, "  errors:     %d\n", r.ErrorCount)
	for _, f := range r.Failures {
		id := f.EventID
		if id == "" {
			id = f.ProviderID
		}
		fmt.Fprintf(out, "    %s: %s\n", id, f.Message)
	}
}

func newStatusCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored sync state for the calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.openStore(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			calendarID := app.calendarID
			if calendarID == "" {
				calendarID = calsync.DefaultCalendarID
			}
			st, err := eng.store.GetSyncState(cmd.Context(), app.userID, calendarID)
			if errors.Is(err, calsync.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No sync recorded for %s/%s\n", app.userID, calendarID)
				return nil
			}
			if err != nil {
				return err
			}
			if app.jsonOut {
				return app.printJSON(cmd.OutOrStdout(), st)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "user\t%s\n", st.UserID)
			fmt.Fprintf(tw, "calendar\t%s\n", st.CalendarID)
			fmt.Fprintf(tw, "last status\t%s\n", st.LastSyncStatus)
			if st.LastSyncError != "" {
				fmt.Fprintf(tw, "last error\t%s\n", st.LastSyncError)
			}
			fmt.Fprintf(tw, "in progress\t%t\n", st.SyncInProgress)
			fmt.Fprintf(tw, "last full sync\t%s\n", formatTime(st.LastFullSyncAt))
			fmt.Fprintf(tw, "last delta sync\t%s\n", formatTime(st.LastDeltaSyncAt))
			fmt.Fprintf(tw, "delta cursor\t%t\n", st.DeltaToken != nil && *st.DeltaToken != "")
			fmt.Fprintf(tw, "events\t%d total, %d synced, %d conflicted, %d failed\n",
				st.TotalEvents, st.SyncedEvents, st.ConflictedEvents, st.FailedEvents)
			return tw.Flush()
		},
	}
}

func newResetCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the delta cursor so the next pull is a full sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			if err := eng.orch.ResetSyncState(cmd.Context(), app.userID, app.calendarID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sync state reset")
			return nil
		},
	}
}

func newCalendarsCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "calendars",
		Short: "List the remote calendars visible with the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			calendars, err := eng.orch.ListCalendars(cmd.Context(), app.userID)
			if err != nil {
				return err
			}
			if app.jsonOut {
				return app.printJSON(cmd.OutOrStdout(), calendars)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDEFAULT\tEDITABLE")
			for _, c := range calendars {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", c.ID, c.Name, c.IsDefault, c.CanEdit)
			}
			return tw.Flush()
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
