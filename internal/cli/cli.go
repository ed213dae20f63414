// Package cli implements the command-line interface for chunk-pipeline.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eunmann/chunk-pipeline/internal/config"
	"github.com/eunmann/chunk-pipeline/internal/logctx"
	"github.com/eunmann/chunk-pipeline/pkg/bus"
	"github.com/eunmann/chunk-pipeline/pkg/objstore"
	"github.com/eunmann/chunk-pipeline/pkg/promote"
	"github.com/eunmann/chunk-pipeline/pkg/registry"
	"github.com/eunmann/chunk-pipeline/pkg/secrets"
	"github.com/eunmann/chunk-pipeline/pkg/stage"
	"github.com/eunmann/chunk-pipeline/pkg/tracker"
	"github.com/eunmann/chunk-pipeline/pkg/trigger"
)

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: chunk-pipeline <command> [options]\ncommands: serve, stage, promote")
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "stage":
		return runStage(args[1:])
	case "promote":
		return runPromote(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// logFlags adds the logging flags shared by every command.
func logFlags(fs *flag.FlagSet) (debug, human *bool) {
	debug = fs.Bool("debug", false, "enable debug logging")
	human = fs.Bool("human-logs", false, "human-friendly console logs instead of JSON")
	return debug, human
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, carrying a
// configured logger.
func signalContext(debug, human bool) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logger := logctx.NewConfiguredLogger(debug, human)
	return logctx.WithLogger(ctx, logger), stop
}

// resolveDSN injects the database password from the secret store when a
// secret id is configured; otherwise the DSN is used as-is.
func resolveDSN(ctx context.Context, dsn, secretID string) (string, error) {
	if secretID == "" {
		return dsn, nil
	}
	password, err := secrets.NewCache(secretID).Value(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve database password: %w", err)
	}
	return config.ResolveDSN(dsn, password), nil
}

// runServe starts the long-running service: the new-chunk consumer, the
// status-event consumer, and the HTTP surface (promotion, health, metrics).
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	debug, human := logFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadServe()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(*debug, *human)
	defer stop()
	logger := logctx.FromContext(ctx)

	dsn, err := resolveDSN(ctx, cfg.DatabaseDSN, cfg.PasswordSecretID)
	if err != nil {
		return err
	}
	reg, err := registry.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer reg.Close()

	conn, err := bus.Dial(ctx, cfg.BusURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	trig := trigger.New(trigger.NewHTTPLauncher(cfg.JobServiceURL), trigger.Config{
		TemplatePath:   cfg.TemplatePath,
		ServiceAccount: cfg.ServiceAccount,
		TempLocation:   cfg.TempLocation,
	})
	trk := tracker.New(reg)
	coord := promote.NewCoordinator(reg, reg, promote.NewSQLPromoter(reg.DB(), cfg.PromoteTables))

	mux := http.NewServeMux()
	mux.Handle("/promote", promote.Handler(coord))
	mux.Handle("/healthz", promote.Healthz())
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 3)
	go func() { errCh <- conn.Consume(ctx, cfg.ChunkQueue, trig.Handle) }()
	go func() { errCh <- conn.Consume(ctx, cfg.StatusQueue, trk.Handle) }()
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("component failed, shutting down")
			shutdownServer(srv)
			return err
		}
	}

	shutdownServer(srv)
	return nil
}

func shutdownServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// runStage stages a single chunk and exits. This is the entrypoint the
// job-execution service invokes; a non-zero exit makes the service retry
// the whole job.
func runStage(args []string) error {
	fs := flag.NewFlagSet("stage", flag.ContinueOnError)
	chunkID := fs.Int64("chunk-id", 0, "replica chunk id to stage")
	inputPath := fs.String("input-path", "", "chunk folder (s3://bucket/prefix)")
	dataset := fs.String("dataset", "", "target dataset, optionally project:dataset")
	debug, human := logFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *chunkID <= 0 {
		return errors.New("--chunk-id is required and must be positive")
	}
	if *inputPath == "" {
		return errors.New("--input-path is required")
	}

	cfg, err := config.LoadStage()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(*debug, *human)
	defer stop()

	// The dataset may arrive as project:dataset; schema selection is
	// external, so only the dataset half is kept, for logging.
	if _, d, ok := strings.Cut(*dataset, ":"); ok {
		*dataset = d
	}
	if *dataset != "" {
		ctx = logctx.WithStr(ctx, "dataset", *dataset)
	}

	dsn, err := resolveDSN(ctx, cfg.DatabaseDSN, cfg.PasswordSecretID)
	if err != nil {
		return err
	}
	reg, err := registry.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer reg.Close()

	client, err := objstore.NewClient(ctx)
	if err != nil {
		return err
	}
	dl := objstore.NewDownloader(client.S3(), objstore.DownloaderConfig{})

	conn, err := bus.Dial(ctx, cfg.BusURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	pub, err := conn.NewPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	job := stage.NewJob(client, &stage.S3TableOpener{Downloader: dl},
		stage.NewPostgresLoader(reg.DB()), pub, cfg.StatusQueue)
	return job.Run(ctx, *chunkID, *inputPath)
}

// runPromote runs one promotion pass and prints the result as JSON. The
// same pass is reachable over HTTP via serve; this form suits cron jobs
// and operators.
func runPromote(args []string) error {
	fs := flag.NewFlagSet("promote", flag.ContinueOnError)
	debug, human := logFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadPromote()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(*debug, *human)
	defer stop()

	dsn, err := resolveDSN(ctx, cfg.DatabaseDSN, cfg.PasswordSecretID)
	if err != nil {
		return err
	}
	reg, err := registry.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer reg.Close()

	coord := promote.NewCoordinator(reg, reg, promote.NewSQLPromoter(reg.DB(), cfg.PromoteTables))
	result := coord.Run(ctx)

	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal promotion result: %w", err)
	}
	fmt.Println(string(out))

	if !result.Ok {
		return errors.New(result.Error)
	}
	return nil
}
