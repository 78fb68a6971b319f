package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicdesk/booking/internal/config"
	"github.com/clinicdesk/booking/internal/platform/db"
	"github.com/clinicdesk/booking/internal/platform/sandbox"
	"github.com/clinicdesk/booking/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "booking-server",
		Short: "Clinic appointment booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// migrationFiles returns the migrations in dir, or the set embedded in the
// binary when dir is empty.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.Files
	}
	return os.DirFS(dir)
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, func(), error) {
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required to run migrations")
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg.Env))
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationFiles(dir)), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres record store",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	w.Flush()
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage doctor availability",
	}

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Add available days to a doctor's schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctor, _ := cmd.Flags().GetString("doctor")
			days, _ := cmd.Flags().GetStringSlice("days")
			if doctor == "" {
				return fmt.Errorf("--doctor is required")
			}
			if len(days) == 0 {
				return fmt.Errorf("--days is required")
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.svc.ProvisionDays(ctx, doctor, days)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DAY\tSTATUS")
				for _, d := range result {
					fmt.Fprintf(w, "%s\t%s\n", d.Day, d.Status)
				}
				return w.Flush()
			})
		},
	}
	provisionCmd.Flags().String("doctor", "", "Doctor id")
	provisionCmd.Flags().StringSlice("days", nil, "Comma separated day labels, e.g. Monday,Tuesday")
	cmd.AddCommand(provisionCmd)

	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain queued compensations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Run every pending compensation once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.outbox.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "done=%d retried=%d dead=%d\n", report.Done, report.Retried, report.Dead)
				return nil
			})
		},
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending (or dead-lettered) compensations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dead, _ := cmd.Flags().GetBool("dead")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				list := a.outbox.Pending
				if dead {
					list = a.outbox.Dead
				}
				entries, err := list(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tPAYLOAD\tLAST ERROR")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.ID, e.Kind, e.Attempts, compactJSON(e.Payload), e.LastError)
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().Bool("dead", false, "List dead-lettered entries instead of pending ones")
	cmd.AddCommand(listCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write demo doctors, patients and appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := sandbox.DefaultSeedConfig()
			cfg.Doctors, _ = cmd.Flags().GetInt("doctors")
			cfg.Patients, _ = cmd.Flags().GetInt("patients")
			cfg.AppointmentsPerPatient, _ = cmd.Flags().GetInt("appointments")
			if days, _ := cmd.Flags().GetStringSlice("days"); len(days) > 0 {
				cfg.Days = days
			}
			cfg.LegacyRecords, _ = cmd.Flags().GetBool("legacy")
			cfg.Seed, _ = cmd.Flags().GetInt64("seed")

			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.seeder.Seed(ctx, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "doctors=%d patients=%d appointments=%d skipped=%d\n",
					len(result.Doctors), len(result.Patients), len(result.Appointments), result.Skipped)
				return nil
			})
		},
	}
	def := sandbox.DefaultSeedConfig()
	cmd.Flags().Int("doctors", def.Doctors, "Number of doctors to provision")
	cmd.Flags().Int("patients", def.Patients, "Number of patient profiles to write")
	cmd.Flags().Int("appointments", def.AppointmentsPerPatient, "Bookings attempted per patient")
	cmd.Flags().StringSlice("days", nil, "Day labels provisioned for each doctor (default Monday-Friday)")
	cmd.Flags().Bool("legacy", false, "Also write numeric patient ids and quoted day labels")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 picks one from the clock")
	return cmd
}

// withApp loads config, opens the configured store and runs fn against the
// wired application.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	return fn(ctx, newApp(cfg, backend.store, logger))
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
