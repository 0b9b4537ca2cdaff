// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/mobiletoly/go-calsync/calremote"
	"github.com/mobiletoly/go-calsync/calsqlite"
	"github.com/mobiletoly/go-calsync/calsync"
	"github.com/spf13/cobra"
)

// cliApp carries the persistent flags shared by every subcommand
type cliApp struct {
	dbPath      string
	providerURL string
	token       string
	userID      string
	calendarID  string
	jsonOut     bool
	verbose     bool
}

// engine is an opened store plus the orchestrator bound to it
type engine struct {
	store  *calsqlite.Store
	orch   *calsync.Orchestrator
	logger *slog.Logger
}

func (e *engine) close(ctx context.Context) {
	if e.orch != nil {
		_ = e.orch.Close(ctx)
	}
	_ = e.store.Close()
}

func newRootCmd() *cobra.Command {
	app := &cliApp{}
	root := &cobra.Command{
		Use:   "calsyncctl",
		Short: "Sync a local calendar mirror with the remote provider",
		Long: `calsyncctl keeps a SQLite mirror of a user's calendar in sync with a
Graph-style calendar API.

Local edits made with "events" are pushed by "sync", remote changes are
pulled through the provider's delta feed, and concurrent edits surface
under "conflicts" until resolved.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&app.dbPath, "db", envOr("CALSYNC_DB", "calsync.db"), "SQLite mirror path (env CALSYNC_DB)")
	flags.StringVar(&app.providerURL, "provider-url", envOr("CALSYNC_PROVIDER_URL", calremote.DefaultBaseURL), "Calendar API root (env CALSYNC_PROVIDER_URL)")
	flags.StringVar(&app.token, "token", os.Getenv("CALSYNC_TOKEN"), "Provider bearer token (env CALSYNC_TOKEN)")
	flags.StringVarP(&app.userID, "user", "u", envOr("CALSYNC_USER", "me"), "Local user id owning the mirror (env CALSYNC_USER)")
	flags.StringVarP(&app.calendarID, "calendar", "c", calsync.DefaultCalendarID, "Calendar scope")
	flags.BoolVar(&app.jsonOut, "json", false, "Print JSON instead of tables")
	flags.BoolVarP(&app.verbose, "verbose", "v", false, "Debug logging on stderr")

	root.AddCommand(
		newSyncCmd(app),
		newStatusCmd(app),
		newResetCmd(app),
		newCalendarsCmd(app),
		newEventsCmd(app),
		newConflictsCmd(app),
	)
	return root
}

func (a *cliApp) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openStore opens only the mirror; used by commands that never reach the provider
func (a *cliApp) openStore(cmd *cobra.Command) (*engine, error) {
	store, err := calsqlite.Open(cmd.Context(), a.dbPath)
	if err != nil {
		return nil, err
	}
	return &engine{store: store, logger: a.logger(cmd)}, nil
}

// openEngine opens the mirror and wires an orchestrator that authenticates
// with the --token value
func (a *cliApp) openEngine(cmd *cobra.Command) (*engine, error) {
	eng, err := a.openStore(cmd)
	if err != nil {
		return nil, err
	}
	provider, err := calremote.NewClient(&calremote.Config{BaseURL: a.providerURL}, eng.logger)
	if err != nil {
		_ = eng.store.Close()
		return nil, err
	}
	token := a.token
	creds := calsync.CredentialSourceFunc(func(ctx context.Context, userID string) (string, error) {
		if token == "" {
			return "", calsync.ErrNoCredential
		}
		return token, nil
	})
	eng.orch = calsync.NewOrchestrator(eng.store, provider, creds, &calsync.Config{
		LogStageTimings: a.verbose,
	}, eng.logger)
	return eng, nil
}

func (a *cliApp) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
