package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/wattsplit/wattsplit/cmd/wattsplit/cli"
	"github.com/wattsplit/wattsplit/internal/app"
	"github.com/wattsplit/wattsplit/internal/bills"
	"github.com/wattsplit/wattsplit/internal/ingest"
	"github.com/wattsplit/wattsplit/internal/mailbox"
	"github.com/wattsplit/wattsplit/internal/money"
	"github.com/wattsplit/wattsplit/internal/notify"
	"github.com/wattsplit/wattsplit/internal/observability"
	"github.com/wattsplit/wattsplit/internal/platform/cache"
	"github.com/wattsplit/wattsplit/internal/platform/db"
	"github.com/wattsplit/wattsplit/internal/venmo"
	"github.com/wattsplit/wattsplit/jobs"
	"github.com/wattsplit/wattsplit/report"
)

const usage = `usage: wattsplit [command] [flags]

commands:
  serve     run the HTTP server (default)
  ingest    run the mailbox ingestion pipeline once
  pending   list bills with outstanding actions
  complete  mark a bill as completed
  stats     print aggregate totals
  enqueue   enqueue an ingestion run on the worker queue
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "serve":
		os.Exit(serve(ctx, stop, cfg, logger))
	case "ingest", "pending", "complete", "stats":
		os.Exit(runOps(ctx, command, args, cfg, logger))
	case "enqueue":
		os.Exit(runEnqueue(ctx, args, cfg))
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "wattsplit: unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
}

// deps holds the shared runtime wiring used by the server and the
// operational commands.
type deps struct {
	service  *bills.Service
	pipeline *ingest.Pipeline
}

func buildDeps(ctx context.Context, cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics) (*deps, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	cleanup := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
		pool.Close()
	}

	repo := bills.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	ratio, err := money.ParseRatio(cfg.SplitRatio)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("split ratio: %w", err)
	}

	gotenberg := report.NewClient(cfg.GotenbergURL, 30*time.Second)
	if cfg.EnablePDF {
		if err := gotenberg.Ping(ctx); err != nil {
			logger.Warn("gotenberg ping", slog.Any("error", err))
		}
	}
	renderer, err := report.NewBillRenderer(gotenberg, cfg.PDFDir, cfg.BillLabel, ratio)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("bill renderer: %w", err)
	}

	mailer := notify.NewMailer(notify.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		From:      cfg.SMTPFrom,
		To:        cfg.RecipientEmail,
		BillLabel: cfg.BillLabel,
		Simulate:  cfg.SimulateSend,
	}, logger)

	links := venmo.NewBuilder(cfg.VenmoRecipient, cfg.BillLabel)

	service := bills.NewService(repo, renderer, mailer, links, bills.Options{
		PDFEnabled:      cfg.EnablePDF,
		NotifyEnabled:   cfg.EnableNotifications,
		PaymentsEnabled: cfg.EnablePaymentRequests,
		AutoOpenLinks:   cfg.EnableAutoOpen,
	}, logger)

	source := mailbox.NewClient(cfg.MailboxBaseURL, cfg.MailboxToken, cfg.BillSender, 30*time.Second, logger)
	locker := ingest.NewRedisLock(redisClient)
	pipeline := ingest.NewPipeline(source, repo, locker, metrics, ratio, logger)

	return &deps{service: service, pipeline: pipeline}, cleanup, nil
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) int {
	metrics := observability.NewMetrics()

	d, cleanup, err := buildDeps(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("startup", slog.Any("error", err))
		return 1
	}
	defer cleanup()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		BillsHandler:  bills.NewHandler(logger, d.service),
		IngestHandler: ingest.NewHandler(logger, d.pipeline),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server", slog.Any("error", err))
		stop()
		return 1
	}
	return 0
}

func runOps(ctx context.Context, command string, args []string, cfg *app.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit JSON output")
	var daysBack *int
	var billID *int64
	var notes *string
	switch command {
	case "ingest":
		daysBack = fs.Int("days-back", cfg.IngestDaysBack, "how many days of mail to scan")
	case "complete":
		billID = fs.Int64("id", 0, "bill id")
		notes = fs.String("notes", "", "completion notes")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	d, cleanup, err := buildDeps(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wattsplit: %v\n", err)
		return 1
	}
	defer cleanup()

	ops := cli.NewOpsCLI(d.service, d.pipeline)
	switch command {
	case "ingest":
		return ops.IngestCommand(ctx, cli.IngestOptions{DaysBack: *daysBack, JSONOutput: *jsonOut})
	case "pending":
		return ops.PendingCommand(ctx, cli.PendingOptions{JSONOutput: *jsonOut})
	case "complete":
		return ops.CompleteCommand(ctx, cli.CompleteOptions{BillID: *billID, Notes: *notes, JSONOutput: *jsonOut})
	default:
		return ops.StatsCommand(ctx, cli.StatsOptions{JSONOutput: *jsonOut})
	}
}

func runEnqueue(ctx context.Context, args []string, cfg *app.Config) int {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	daysBack := fs.Int("days-back", cfg.IngestDaysBack, "how many days of mail to scan")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wattsplit: %v\n", err)
		return 1
	}
	defer func() {
		_ = jobsCLI.Close()
	}()

	info, err := jobsCLI.TriggerIngest(ctx, *daysBack)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wattsplit: enqueue: %v\n", err)
		return 1
	}
	fmt.Printf("enqueued %s (task %s)\n", info.Type, info.ID)
	return 0
}
