// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mobiletoly/go-calsync/calsync"
	"github.com/spf13/cobra"
)

func newConflictsCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCmd(app), newConflictsResolveCmd(app))
	return cmd
}

func newConflictsListCmd(app *cliApp) *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := app.openStore(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			resolver := calsync.NewConflictResolver(eng.store, eng.logger)
			conflicts, err := resolver.ListConflicts(cmd.Context(), app.userID, !all, limit, 0)
			if err != nil {
				return err
			}
			if app.jsonOut {
				return app.printJSON(cmd.OutOrStdout(), conflicts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEVENT\tTYPE\tFIELDS\tRESOLUTION")
			for _, c := range conflicts {
				fields := strings.Join(c.ChangedFields, ",")
				if fields == "" {
					fields = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.EventID, c.Type, fields, c.Resolution)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include resolved conflicts")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of conflicts")
	return cmd
}

func newConflictsResolveCmd(app *cliApp) *cobra.Command {
	var (
		resolution string
		mergedPath string
		resolvedBy string
	)
	cmd := &cobra.Command{
		Use:   "resolve CONFLICT_ID",
		Short: "Resolve a pending conflict",
		Long: `Resolve a pending conflict.

Resolutions:
  use_local   keep the mirror's content; the next push overwrites the provider
  use_remote  adopt the provider's content (or drop the event if it was deleted)
  merge       store the event fields from --merged (a JSON file) and push them
  skip        leave both sides alone and release the event for pushing`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var merged *calsync.EventFields
			if mergedPath != "" {
				data, err := os.ReadFile(mergedPath)
				if err != nil {
					return err
				}
				merged = &calsync.EventFields{}
				if err := json.Unmarshal(data, merged); err != nil {
					return fmt.Errorf("parse %s: %w", mergedPath, err)
				}
			}

			eng, err := app.openStore(cmd)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			resolver := calsync.NewConflictResolver(eng.store, eng.logger)
			c, err := resolver.ResolveConflictManually(cmd.Context(), app.userID, args[0],
				calsync.Resolution(resolution), merged, resolvedBy)
			if err != nil {
				return err
			}
			if app.jsonOut {
				return app.printJSON(cmd.OutOrStdout(), c)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s resolved with %s\n", c.ID, c.Resolution)
			return nil
		},
	}
	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "use_local, use_remote, merge or skip")
	cmd.Flags().StringVar(&mergedPath, "merged", "", "JSON file with the merged event fields")
	cmd.Flags().StringVar(&resolvedBy, "by", "cli", "Recorded as the resolver")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}
