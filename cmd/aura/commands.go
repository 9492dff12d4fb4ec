package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"aura/internal/app"
	"aura/internal/config"
	"aura/internal/logging"
	"aura/internal/model"
	"aura/internal/storage"
)

func loadConfig() (*config.Manager, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	mgr, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return mgr, nil
}

func openStore(ctx context.Context) (storage.Store, error) {
	mgr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := app.OpenStore(ctx, mgr.Get().Storage)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("storage is disabled in the config")
	}
	return store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant: camera, alerts, voice, API and live events",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadConfig()
			if err != nil {
				return err
			}
			logger, level := logging.NewLeveled(os.Stdout, mgr.Get().LogLevel)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.New(ctx, mgr, logger, level, Version)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the storage tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "storage ready")
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			list, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, list)
			}
			printSessions(cmd, list)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func logsCmd() *cobra.Command {
	var (
		sessionID string
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the event log, optionally for one session",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			var entries []model.EventLogEntry
			if sessionID != "" {
				entries, err = store.SessionEventLogs(cmd.Context(), sessionID)
			} else {
				entries, err = store.ListEventLogs(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, entries)
			}
			printLogs(cmd, entries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only this session id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum entries")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSessions(cmd *cobra.Command, list []model.Session) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTARTED\tDURATION\tALERTS")
	for _, s := range list {
		duration := "active"
		if s.EndTime != nil {
			duration = (time.Duration(s.DurationSeconds) * time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.StartTime.Local().Format(time.DateTime), duration, s.AlertCount)
	}
	w.Flush()
}

func printLogs(cmd *cobra.Command, entries []model.EventLogEntry) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tTYPE\tPRIORITY\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.SessionID, e.EventType, e.Priority, e.Message)
	}
	w.Flush()
}
