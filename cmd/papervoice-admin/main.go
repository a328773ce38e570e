package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/papervoice/papervoice/config"
	"github.com/papervoice/papervoice/internal/adapters/storage"
	"github.com/papervoice/papervoice/internal/bootstrap"
	"github.com/papervoice/papervoice/internal/data"
	"github.com/papervoice/papervoice/internal/domain/model"
	"github.com/papervoice/papervoice/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const (
	defaultCommandTimeout   = 2 * time.Minute
	defaultMigrationTimeout = 5 * time.Minute
)

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2)
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2)
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1)
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1)
	}
}

func commands() map[string]command {
	return map[string]command{
		"submit": {
			name:        "submit",
			description: "Store a PDF document and enqueue a conversion job",
			run:         runSubmit,
		},
		"status": {
			name:        "status",
			description: "Show the status of a conversion job",
			run:         runStatus,
		},
		"cancel": {
			name:        "cancel",
			description: "Request cancellation of a conversion job",
			run:         runCancel,
		},
		"stats": {
			name:        "stats",
			description: "Show job counts per status",
			run:         runStats,
		},
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: papervoice-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	for _, c := range commands() {
		if err := writef(os.Stdout, "  %-12s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

type submitOptions struct {
	OwnerID        string
	File           string
	Voice          string
	Speed          float64
	IncludeSummary bool
}

func parseSubmitFlags(args []string) (submitOptions, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts submitOptions
	fs.StringVar(&opts.OwnerID, "owner-id", "", "Owner UUID for the job (required)")
	fs.StringVar(&opts.File, "file", "", "Path to the PDF document (required)")
	fs.StringVar(&opts.Voice, "voice", "default", "Narration voice: default, female, male, child")
	fs.Float64Var(&opts.Speed, "speed", 1.0, "Reading speed between 0.5 and 2.0")
	fs.BoolVar(&opts.IncludeSummary, "summary", false, "Prepend a generated summary to the narration")

	if err := fs.Parse(args); err != nil {
		return submitOptions{}, err
	}

	opts.OwnerID = strings.TrimSpace(opts.OwnerID)
	opts.File = strings.TrimSpace(opts.File)
	if opts.OwnerID == "" {
		return submitOptions{}, errors.New("--owner-id is required")
	}
	if opts.File == "" {
		return submitOptions{}, errors.New("--file is required")
	}

	return opts, nil
}

func runSubmit(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitFlags(args)
	if err != nil {
		return err
	}

	var voice model.Voice
	if err = voice.UnmarshalText([]byte(opts.Voice)); err != nil {
		return err
	}

	document, err := os.ReadFile(opts.File)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	pages, err := storage.ValidatePDF(document)
	if err != nil {
		return fmt.Errorf("validate document: %w", err)
	}

	return withJobService(cmdCtx, defaultCommandTimeout, func(ctx context.Context, jobs *service.JobService) error {
		store, storeErr := storage.NewLocalStore(cmdCtx.Config.Storage.Root)
		if storeErr != nil {
			return storeErr
		}

		documentRef := path.Join("documents", uuid.NewString()+".pdf")
		if _, storeErr = store.Store(ctx, documentRef, document); storeErr != nil {
			return fmt.Errorf("store document: %w", storeErr)
		}

		job, createErr := jobs.Create(ctx, &model.CreateJobRequest{
			OwnerID:     opts.OwnerID,
			DocumentRef: documentRef,
			Options: model.ProcessingOptions{
				Voice:          voice,
				ReadingSpeed:   opts.Speed,
				IncludeSummary: opts.IncludeSummary,
			},
		})
		if createErr != nil {
			return createErr
		}

		if writeErr := writef(os.Stdout, "Job %s submitted (%d pages, document %s)\n",
			job.ID, pages, documentRef); writeErr != nil {
			return fmt.Errorf("print submit result: %w", writeErr)
		}
		return nil
	})
}

func runStatus(cmdCtx *commandContext, args []string) error {
	jobID, err := parseJobIDFlags("status", args)
	if err != nil {
		return err
	}

	return withJobService(cmdCtx, defaultCommandTimeout, func(ctx context.Context, jobs *service.JobService) error {
		status, statusErr := jobs.GetStatus(ctx, jobID)
		if statusErr != nil {
			return statusErr
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if writeErr := writef(w, "Job\t%s\n", jobID); writeErr != nil {
			return writeErr
		}
		if writeErr := writef(w, "Status\t%s\n", status.Status); writeErr != nil {
			return writeErr
		}
		if writeErr := writef(w, "Progress\t%d%%\n", status.Progress); writeErr != nil {
			return writeErr
		}
		if status.ResultRef != nil {
			if writeErr := writef(w, "Result\t%s\n", *status.ResultRef); writeErr != nil {
				return writeErr
			}
		}
		if status.Error != nil {
			if writeErr := writef(w, "Error\t%s\n", *status.Error); writeErr != nil {
				return writeErr
			}
		}
		if flushErr := w.Flush(); flushErr != nil {
			return fmt.Errorf("flush status output: %w", flushErr)
		}
		return nil
	})
}

func runCancel(cmdCtx *commandContext, args []string) error {
	jobID, err := parseJobIDFlags("cancel", args)
	if err != nil {
		return err
	}

	return withJobService(cmdCtx, defaultCommandTimeout, func(ctx context.Context, jobs *service.JobService) error {
		requested, cancelErr := jobs.RequestCancel(ctx, jobID)
		if cancelErr != nil {
			return cancelErr
		}
		if !requested {
			return writeln(os.Stdout, "Job is already terminal; nothing to cancel")
		}
		return writeln(os.Stdout, "Cancellation requested")
	})
}

func runStats(cmdCtx *commandContext, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("stats takes no arguments, got %q", strings.Join(args, " "))
	}

	return withJobService(cmdCtx, defaultCommandTimeout, func(ctx context.Context, jobs *service.JobService) error {
		stats, statsErr := jobs.Stats(ctx)
		if statsErr != nil {
			return statsErr
		}

		total := stats.Pending + stats.Processing + stats.Completed + stats.Failed + stats.Cancelled
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		rows := []struct {
			label string
			count int
		}{
			{"Pending", stats.Pending},
			{"Processing", stats.Processing},
			{"Completed", stats.Completed},
			{"Failed", stats.Failed},
			{"Cancelled", stats.Cancelled},
			{"Total", total},
		}
		if writeErr := writeln(w, "Status\tCount"); writeErr != nil {
			return writeErr
		}
		for _, row := range rows {
			if writeErr := writef(w, "%s\t%d\n", row.label, row.count); writeErr != nil {
				return writeErr
			}
		}
		if flushErr := w.Flush(); flushErr != nil {
			return fmt.Errorf("flush stats output: %w", flushErr)
		}
		return nil
	})
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	timeout := fs.Duration("timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be greater than zero")
	}

	return withDatabase(cmdCtx, *timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func parseJobIDFlags(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	jobID := fs.String("job-id", "", "Job ID (required)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}

	id := strings.TrimSpace(*jobID)
	if id == "" {
		return "", errors.New("--job-id is required")
	}
	return id, nil
}

func withDatabase(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *sql.DB) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

func withJobService(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *service.JobService) error,
) error {
	return withDatabase(cmdCtx, timeout, func(ctx context.Context, db *sql.DB) error {
		jobs, err := service.NewJobService(service.JobServiceOptions{
			Repo:         data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}),
			DefaultLease: cmdCtx.Config.Worker.JobLease,
			Logger:       cmdCtx.Logger,
		})
		if err != nil {
			return fmt.Errorf("create job service: %w", err)
		}
		defer jobs.StopListeners()

		return f(ctx, jobs)
	})
}

func writef(w io.Writer, format string, args ...any) error {
	if _, err := fmt.Fprintf(w, format, args...); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func writeln(w io.Writer, args ...any) error {
	if _, err := fmt.Fprintln(w, args...); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
