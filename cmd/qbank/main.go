package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/qbank/internal/correct"
	"github.com/pavelanni/qbank/internal/handler"
	appI18n "github.com/pavelanni/qbank/internal/i18n"
	"github.com/pavelanni/qbank/internal/importer"
	"github.com/pavelanni/qbank/internal/jobs"
	"github.com/pavelanni/qbank/internal/llm"
	"github.com/pavelanni/qbank/internal/model"
	"github.com/pavelanni/qbank/internal/session"
	"github.com/pavelanni/qbank/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "qbank",
		Short:        "Medical question bank importer with AI correction",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func commonFlags(f *pflag.FlagSet) {
	f.String("db", "qbank.db", "SQLite database path")
	f.Duration("busy-timeout", store.DefaultBusyTimeout, "SQLite busy timeout")
	f.StringP("lang", "l", appI18n.DefaultLang, "Message language (en, fr)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func llmFlags(f *pflag.FlagSet) {
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables AI correction)")
	f.String("llm-key", "", "API key for the completion service")
	f.String("llm-model", "gpt-4o-mini", "Model name")
	f.Duration("llm-timeout", llm.DefaultTimeout, "Timeout of one completion call")
	f.Int("batch-size", correct.DefaultBatchSize, "Rows per completion request")
	f.Int("concurrency", correct.DefaultConcurrency, "Concurrent completion requests")
}

func importFlags(f *pflag.FlagSet) {
	f.Duration("commit-timeout", importer.DefaultCommitTimeout, "Timeout of the commit transaction")
	f.Int("insert-chunk", importer.DefaultInsertChunk, "Questions per insert chunk")
	f.Int("lookup-chunk", 500, "Texts per duplicate lookup query")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP import server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /qbank)")
	f.Int64("max-upload", handler.DefaultMaxUpload, "Maximum workbook size in bytes")
	f.Duration("session-ttl", session.DefaultTTL, "How long finished sessions stay queryable")
	f.String("sweep-schedule", "@every 1m", "Cron schedule of the session sweeper")
	f.Duration("job-retention", 7*24*time.Hour, "How long finished AI job records are kept (0 keeps them forever)")
	f.String("redis-url", "", "Keep AI job records in Redis instead of SQLite")
	commonFlags(f)
	llmFlags(f)
	importFlags(f)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a workbook synchronously and print the final session",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.Bool("ai-repair", false, "Repair rows with missing options or answers")
	commonFlags(f)
	llmFlags(f)
	importFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the corrected workbook of a completed AI job",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("job-id", "", "AI job id (required)")
	f.StringP("output", "o", "", "Output file path (default corrected-<original name>)")
	f.String("redis-url", "", "Read AI job records from Redis instead of SQLite")
	commonFlags(f)
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("QBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("qbank")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/qbank")
	v.AddConfigPath("/etc/qbank")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup reads the configuration, configures logging and messages and opens
// the database.
func setup(cmd *cobra.Command) (config, *store.Store, error) {
	v := viperForCmd(cmd)
	setupLogging(v)
	setDefaults(v)

	cfg, err := loadConfig(v)
	if err != nil {
		return cfg, nil, err
	}
	if err := appI18n.Init(cfg.Lang); err != nil {
		return cfg, nil, fmt.Errorf("init i18n: %w", err)
	}
	db, err := store.New(cfg.DB, store.Options{BusyTimeout: cfg.BusyTimeout})
	if err != nil {
		return cfg, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, db, nil
}

// setDefaults fills values of flags a command does not declare so every
// command validates against the same config struct.
func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("llm-model", "gpt-4o-mini")
	v.SetDefault("batch-size", correct.DefaultBatchSize)
	v.SetDefault("concurrency", correct.DefaultConcurrency)
	v.SetDefault("commit-timeout", importer.DefaultCommitTimeout)
	v.SetDefault("insert-chunk", importer.DefaultInsertChunk)
	v.SetDefault("lookup-chunk", 500)
	v.SetDefault("max-upload", handler.DefaultMaxUpload)
	v.SetDefault("session-ttl", session.DefaultTTL)
	v.SetDefault("sweep-schedule", "@every 1m")
}

func newLLM(cfg config) *llm.Client {
	if cfg.LLMURL == "" {
		return nil
	}
	return llm.New(llm.Config{
		BaseURL: cfg.LLMURL,
		APIKey:  cfg.LLMKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
}

func correctOptions(cfg config) correct.Options {
	return correct.Options{BatchSize: cfg.BatchSize, Concurrency: cfg.Concurrency}
}

func importerConfig(cfg config) importer.Config {
	return importer.Config{
		CommitTimeout: cfg.CommitTimeout,
		InsertChunk:   cfg.InsertChunk,
		LookupChunk:   cfg.LookupChunk,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.Check{"store": db.Ping}

	importSessions := session.NewRegistry(session.NewMemoryStore[model.ImportStats](), time.Now)
	jobSessions := session.NewRegistry(session.NewMemoryStore[model.JobStats](), time.Now)

	var (
		imports   *importer.Service
		aiJobs    *jobs.Service
		tracker   *jobs.Tracker
		corrector handler.Corrector
	)
	client := newLLM(cfg)
	if client != nil {
		if err := client.Ping(ctx); err != nil {
			slog.Warn("LLM health check failed, rows will fall back to local corrections", "url", cfg.LLMURL, "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", cfg.LLMURL, "model", cfg.LLMModel)
		}
		checks["llm"] = client.Ping

		var recorder jobs.Recorder = db
		if cfg.RedisURL != "" {
			rr, err := jobs.NewRedisRecorder(ctx, cfg.RedisURL, cfg.JobRetention)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer rr.Close()
			recorder = rr
			slog.Info("AI job records kept in Redis")
		}
		tracker = jobs.NewTracker(jobSessions, recorder, slog.Default())
		aiJobs = jobs.NewService(tracker, client, correctOptions(cfg), slog.Default())
		corrector = aiJobs
		imports = importer.NewService(db, importSessions, correct.New(client, correctOptions(cfg)), importerConfig(cfg), slog.Default())
	} else {
		slog.Info("no LLM configured, AI correction disabled")
		imports = importer.NewService(db, importSessions, nil, importerConfig(cfg), slog.Default())
	}

	sched, err := startScheduler(cfg, db, map[string]session.Target{
		"imports": importSessions,
		"ai_jobs": jobSessions,
	})
	if err != nil {
		return err
	}
	defer sched.Stop()

	h := handler.New(imports, importSessions, corrector, tracker, checks,
		handler.Config{MaxUpload: cfg.MaxUpload}, slog.Default())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(cfg.Lang))
	if cfg.BasePath != "" {
		r.Route(cfg.BasePath, h.Routes)
	} else {
		h.Routes(r)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Addr,
			"db", cfg.DB,
			"lang", cfg.Lang,
			"ai", client != nil,
			"base_path", cfg.BasePath,
			"session_ttl", cfg.SessionTTL,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
	}

	// Let running imports finish their transaction.
	imports.Wait()
	if aiJobs != nil {
		aiJobs.Wait()
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var corrector importer.Corrector
	if client := newLLM(cfg); client != nil {
		corrector = correct.New(client, correctOptions(cfg))
	}
	sessions := session.NewRegistry(session.NewMemoryStore[model.ImportStats](), time.Now)
	svc := importer.NewService(db, sessions, corrector, importerConfig(cfg), slog.Default())

	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(cfg.Lang))
	snap, runErr := svc.Import(ctx, importer.Upload{
		Name:     filepath.Base(path),
		Data:     data,
		AIRepair: viperForCmd(cmd).GetBool("ai-repair"),
	})

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if runErr != nil {
		return fmt.Errorf("import %s: %w", path, runErr)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	_, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	v := viperForCmd(cmd)

	var recorder jobs.Recorder = db
	if url := v.GetString("redis-url"); url != "" {
		rr, err := jobs.NewRedisRecorder(cmd.Context(), url, 0)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rr.Close()
		recorder = rr
	}
	tracker := jobs.NewTracker(session.NewRegistry(session.NewMemoryStore[model.JobStats](), time.Now), recorder, slog.Default())

	id := v.GetString("job-id")
	data, name, err := tracker.Artifact(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}

	outPath := v.GetString("output")
	if outPath == "" {
		outPath = "corrected-" + filepath.Base(name)
	}
	var w io.Writer
	if outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported corrected workbook", "job_id", id, "path", outPath, "bytes", len(data))
	return nil
}
