// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mobiletoly/go-calsync/calsync"
	"github.com/spf13/cobra"
)

func newEventsCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and edit the local mirror",
		Long: `Inspect and edit events in the local mirror.

Edits only touch the mirror; they reach the provider on the next push.`,
	}
	cmd.AddCommand(
		newEventsListCmd(app),
		newEventsAddCmd(app),
		newEventsEditCmd(app),
		newEventsDeleteCmd(app),
	)
	return cmd
}

func newEventsListCmd(app *cliApp) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mirrored events ordered by start time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.openStore(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			events, err := eng.store.ListEvents(cmd.Context(), app.userID, app.calendarID, limit, 0)
			if err != nil {
				return err
			}
			if app.jsonOut {
				return app.printJSON(cmd.OutOrStdout(), events)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTART\tSUBJECT\tSTATUS\tFLAGS")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					ev.ID, ev.Start.Local().Format("2006-01-02 15:04"), ev.Subject, ev.SyncStatus, eventFlags(&ev))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of events (0 lists all)")
	return cmd
}

// eventFlags renders the local bookkeeping bits compactly
func eventFlags(ev *calsync.LocalEvent) string {
	flags := ""
	if ev.ProviderID == nil {
		flags += "new "
	}
	if ev.Dirty() {
		flags += "dirty "
	}
	if ev.Deleted {
		flags += "deleted "
	}
	if flags == "" {
		return "-"
	}
	return flags[:len(flags)-1]
}

// eventFlagValues binds the content flags shared by add and edit
type eventFlagValues struct {
	subject     string
	description string
	location    string
	start       string
	end         string
	duration    time.Duration
	timeZone    string
	allDay      bool
}

func (v *eventFlagValues) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&v.subject, "subject", "s", "", "Event title")
	f.StringVar(&v.description, "description", "", "Event body")
	f.StringVarP(&v.location, "location", "l", "", "Event location")
	f.StringVar(&v.start, "start", "", "Start time (RFC 3339)")
	f.StringVar(&v.end, "end", "", "End time (RFC 3339)")
	f.DurationVar(&v.duration, "duration", time.Hour, "Length when --end is not given")
	f.StringVar(&v.timeZone, "tz", "", "IANA time zone reported to the provider")
	f.BoolVar(&v.allDay, "all-day", false, "All-day event")
}

// apply overlays the flags the user actually set onto fields
func (v *eventFlagValues) apply(cmd *cobra.Command, fields *calsync.EventFields) error {
	f := cmd.Flags()
	if f.Changed("subject") {
		fields.Subject = v.subject
	}
	if f.Changed("description") {
		fields.Description = v.description
	}
	if f.Changed("location") {
		fields.Location = v.location
	}
	if f.Changed("tz") {
		fields.TimeZone = v.timeZone
	}
	if f.Changed("all-day") {
		fields.IsAllDay = v.allDay
	}
	if f.Changed("start") {
		start, err := time.Parse(time.RFC3339, v.start)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		length := fields.End.Sub(fields.Start)
		if length <= 0 || f.Changed("duration") {
			length = v.duration
		}
		fields.Start = start
		fields.End = start.Add(length)
	}
	if f.Changed("end") {
		end, err := time.Parse(time.RFC3339, v.end)
		if err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
		fields.End = end
	}
	return nil
}

func newEventsAddCmd(app *cliApp) *cobra.Command {
	var v eventFlagValues
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a local event that the next push sends upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("start") {
				return fmt.Errorf("--start is required")
			}
			var fields calsync.EventFields
			if err := v.apply(cmd, &fields); err != nil {
				return err
			}

			eng, err := app.openStore(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			ev, err := calsync.NewLocalEvent(app.userID, app.calendarID, fields, time.Now())
			if err != nil {
				return err
			}
			if err := eng.store.CreateEvent(cmd.Context(), ev); err != nil {
				return err
			}
			if app.jsonOut {
				return app.printJSON(cmd.OutOrStdout(), ev)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", ev.ID)
			return nil
		},
	}
	v.register(cmd)
	return cmd
}

func newEventsEditCmd(app *cliApp) *cobra.Command {
	var v eventFlagValues
	cmd := &cobra.Command{
		Use:   "edit EVENT_ID",
		Short: "Change a mirrored event locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.openStore(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			ev, err := loadOwnedEvent(cmd.Context(), eng, app.userID, args[0])
			if err != nil {
				return err
			}
			if ev.Deleted {
				return fmt.Errorf("event %s is deleted", ev.ID)
			}
			fields := ev.EventFields
			if err := v.apply(cmd, &fields); err != nil {
				return err
			}
			if err := ev.ApplyLocalEdit(fields, time.Now()); err != nil {
				return err
			}
			if err := eng.store.UpdateEvent(cmd.Context(), ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", ev.ID)
			return nil
		},
	}
	v.register(cmd)
	return cmd
}

func newEventsDeleteCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "delete EVENT_ID",
		Short: "Delete an event; bound events are removed upstream on the next push",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.openStore(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			ctx := cmd.Context()
			ev, err := loadOwnedEvent(ctx, eng, app.userID, args[0])
			if err != nil {
				return err
			}
			if ev.ProviderID == nil {
				if err := eng.store.DeleteEvent(ctx, ev.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", ev.ID)
				return nil
			}
			ev.MarkDeleted(time.Now())
			if err := eng.store.UpdateEvent(ctx, ev); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s for deletion\n", ev.ID)
			return nil
		},
	}
}

func loadOwnedEvent(ctx context.Context, eng *engine, userID, id string) (*calsync.LocalEvent, error) {
	ev, err := eng.store.GetEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", id, err)
	}
	if ev.UserID != userID {
		return nil, fmt.Errorf("event %s: %w", id, calsync.ErrNotFound)
	}
	return ev, nil
}
