package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cohort/cohort/internal/config"
	"github.com/cohort/cohort/internal/domain/cohort"
	"github.com/cohort/cohort/internal/domain/criteria"
	"github.com/cohort/cohort/internal/platform/db"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cohort-server",
		Short:        "FHIR cohort resolver",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(compileCmd())
	root.AddCommand(cacheCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the cohort API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a criteria tree and print matching patients as NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("criteria")
			maxPatients, _ := cmd.Flags().GetInt("max")

			var data []byte
			var err error
			if path == "" || path == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(path)
			}
			if err != nil {
				return fmt.Errorf("read criteria: %w", err)
			}
			tree, err := criteria.Decode(data)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			var writeErr error
			state := cohort.NewState(1)
			err = a.resolver.Resolve(ctx, tree, maxPatients, state, func(batch []cohort.Patient) {
				for _, p := range batch {
					if writeErr == nil {
						writeErr = enc.Encode(p)
					}
				}
			})

			stats := state.Stats()
			logger.Info().
				Int("patients", stats.Patients).
				Int("checked", stats.Checked).
				Str("stop_reason", string(stats.StopReason)).
				Msg("resolve finished")

			if err != nil {
				return err
			}
			return writeErr
		},
	}
	cmd.Flags().String("criteria", "-", "Path to the criteria tree JSON (- for stdin)")
	cmd.Flags().Int("max", 100, "Maximum number of patients to return")
	return cmd
}

func compileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Print the search fragment for one criterion",
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType, _ := cmd.Flags().GetString("resource")
			raw, _ := cmd.Flags().GetString("criterion")
			if resourceType == "" {
				return fmt.Errorf("--resource is required")
			}

			var c criteria.Criterion
			if err := json.Unmarshal([]byte(raw), &c); err != nil {
				return fmt.Errorf("decode criterion: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			query, err := newQueryBuilder(cfg).Compile(resourceType, c)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), query)
			return nil
		},
	}
	cmd.Flags().String("resource", "", "FHIR resource type the criterion applies to")
	cmd.Flags().String("criterion", "{}", "Criterion JSON, e.g. {\"field\":\"gender\",\"value\":[\"female\"]}")
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage persisted response caches",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear NAME",
		Short: "Drop a persisted cache partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.HasDatabase() {
				return fmt.Errorf("DATABASE_URL is required to clear a persisted cache")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := newStore(pool).Clear(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache %q.\n", args[0])
			return nil
		},
	})
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.HasDatabase() {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, db.Migrations()), pool.Close, nil
}

func printStatuses(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
