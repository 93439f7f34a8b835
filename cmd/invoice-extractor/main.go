package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/invoice-extractor/internal/batch"
	"github.com/zombor/invoice-extractor/internal/export"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/invoice"
	"github.com/zombor/invoice-extractor/internal/llm"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("invoice-extractor")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "invoice-extractor.db", "Run history database path")
		storagePath    = fs.StringLong("storage", "./workbooks", "Workbook storage directory")
		provider       = fs.StringLong("provider", "gemini", "Model provider: 'gemini' or 'ollama'")
		apiKey         = fs.StringLong("api-key", "", "API key tried first (or set GEMINI_API_KEY env var)")
		apiKeysFile    = fs.StringLong("api-keys-file", "", "YAML file with api_keys and models lists")
		models         = fs.StringLong("models", llm.DefaultModel, "Comma separated model names in acquisition order")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", llm.DefaultOllamaModel, "Ollama model name (e.g., llava, qwen2-vl)")
		throttle       = fs.DurationLong("throttle", batch.DefaultThrottle, "Pause between documents")
		concurrency    = fs.IntLong("concurrency", 1, "Documents processed at the same time")
		requestTimeout = fs.DurationLong("request-timeout", 2*time.Minute, "Timeout for each model request (0 disables)")
		pingTimeout    = fs.DurationLong("ping-timeout", 30*time.Second, "Timeout for each credential liveness check")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		outPath        = fs.StringLong("out", "", "Workbook path when files are given on the command line")
		_              = fs.StringLong("config", "", "Config file (flag per line)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICEX"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var fileKeys []string
	modelNames := llm.SplitList(*models)
	if *apiKeysFile != "" {
		poolFile, err := llm.LoadPoolFile(*apiKeysFile)
		if err != nil {
			slog.Error("Failed to load API keys file", "path", *apiKeysFile, "error", err)
			os.Exit(1)
		}
		fileKeys = poolFile.APIKeys
		modelNames = append(modelNames, poolFile.Models...)
	}
	modelNames = unique(modelNames)

	var dialer llm.Dialer
	credentials := credentialKeys(*provider, *apiKey, os.Getenv("GEMINI_API_KEY"), fileKeys)
	switch *provider {
	case "gemini":
		slog.Info("Using Gemini", "models", modelNames, "credentials", len(credentials))
		dialer = llm.NewGeminiDialer()
	case "ollama":
		modelNames = []string{*ollamaModel}
		slog.Info("Using Ollama", "url", *ollamaURL, "model", *ollamaModel)
		dialer = llm.NewOllamaDialer(*ollamaURL)
		if len(credentials) == 0 {
			credentials = []llm.Credential{llm.NoCredential}
		}
	default:
		slog.Error("Invalid provider", "provider", *provider, "valid", "gemini or ollama")
		os.Exit(1)
	}

	var pool *llm.Pool
	if len(credentials) > 0 {
		p, err := llm.NewPool(dialer, credentials, modelNames)
		if err != nil {
			slog.Error("Failed to build credential pool", "error", err)
			os.Exit(1)
		}
		pool = p.WithPingTimeout(*pingTimeout)
	}

	batchCfg := batch.Config{
		Throttle:       *throttle,
		Concurrency:    *concurrency,
		RequestTimeout: *requestTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if files := fs.GetArgs(); len(files) > 0 {
		if pool == nil {
			slog.Error("An API key is required. Set --api-key, --api-keys-file or GEMINI_API_KEY")
			os.Exit(1)
		}
		if err := extractFiles(ctx, pool, batchCfg, files, *outPath); err != nil {
			slog.Error("Extraction failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if pool == nil {
		slog.Warn("No API key configured; every request must supply one")
	}

	slog.Info("Initializing database...")
	db, err := invoice.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...")
	store, err := invoice.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := invoice.NewService(db, store, invoice.Config{
		Pool:   pool,
		Dialer: dialer,
		Models: modelNames,
		Batch:  batchCfg,
	})

	basicAuth := invoice.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := invoice.NewServer(service, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()
	slog.Info("Shutting down...")
}

// extractFiles runs one batch over paths and writes the workbook
func extractFiles(ctx context.Context, pool *llm.Pool, cfg batch.Config, paths []string, out string) error {
	docs := make([]extraction.Document, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		docs = append(docs, extraction.NewDocument(filepath.Base(path), "", data))
	}

	cfg.Progress = func(p batch.Progress) {
		slog.Info("Processed document",
			"completed", p.Completed,
			"total", p.Total,
			"filename", p.Outcome.Document,
			"state", p.Outcome.State,
			"rows", p.Outcome.Rows,
		)
	}

	result, err := batch.NewDriver(pool, cfg).Run(ctx, docs)
	if result == nil {
		return err
	}
	for _, docErr := range result.Errors() {
		slog.Warn("Document skipped", "error", docErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if result.Status == batch.StatusEmpty {
		return fmt.Errorf("no invoice data could be extracted from %d document(s)", len(docs))
	}

	_, data, err := export.Export(result.Records)
	if err != nil {
		return err
	}
	if out == "" {
		out = export.Filename(result.Records)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}

	slog.Info("Workbook written", "path", out, "rows", len(result.Records))
	return nil
}

// credentialKeys orders the flag key, the environment key and the pool file
// keys. The environment key belongs to Gemini and is never sent to another
// provider.
func credentialKeys(provider, flagKey, envKey string, fileKeys []string) []llm.Credential {
	keys := []string{flagKey}
	if provider == "gemini" {
		keys = append(keys, envKey)
	}
	keys = append(keys, fileKeys...)
	return llm.Credentials(keys...)
}

func unique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
