// Package main is the Torikomi CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/torikomi/internal/broker"
	"github.com/hyperjump/torikomi/internal/chunker"
	"github.com/hyperjump/torikomi/internal/config"
	"github.com/hyperjump/torikomi/internal/extract"
	"github.com/hyperjump/torikomi/internal/keyword"
	"github.com/hyperjump/torikomi/internal/models"
	"github.com/hyperjump/torikomi/internal/scheduler"
	"github.com/hyperjump/torikomi/internal/server"
	"github.com/hyperjump/torikomi/internal/storage"
	"github.com/hyperjump/torikomi/internal/taskstore"
	"github.com/hyperjump/torikomi/internal/watcher"
	"github.com/hyperjump/torikomi/internal/worker"
	"github.com/hyperjump/torikomi/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/torikomi/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used instead.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "worker":
		runWorker()
	case "upload":
		runUpload()
	case "task":
		runTask()
	case "documents":
		runDocuments()
	case "search":
		runSearch()
	case "cleanup":
		runCleanup()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("torikomi version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: torikomi <command> [flags]

Commands:
  server     Run the API server with an embedded worker pool
  worker     Run a standalone worker pool (requires the redis broker)
  upload     Upload a file for processing
  task       Show the state of a task
  documents  List processed documents
  search     Keyword search over document chunks
  cleanup    Trigger document cleanup
  status     Show server status
  version    Print version
  help       Show this help`)
}

// Components holds the initialized processing stack.
type Components struct {
	Storage      storage.Storage
	TaskStore    taskstore.TaskStore
	Broker       broker.Broker
	KeywordIndex keyword.KeywordIndex
	Extractor    *extract.Extractor
	Registry     worker.Registry
	Pool         *worker.Pool
}

// Close releases all component resources.
func (c *Components) Close() {
	if c.Broker != nil {
		_ = c.Broker.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.TaskStore != nil {
		_ = c.TaskStore.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var tasks taskstore.TaskStore
	var b broker.Broker
	switch cfg.Broker.Type {
	case "redis":
		b, err = broker.NewRedisBroker(cfg.Broker.RedisAddr, cfg.Broker.RedisPassword, cfg.Broker.RedisDB, cfg.Broker.VisibilityTimeout.Std())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis broker: %w", err)
		}
		tasks, err = taskstore.NewRedisTaskStore(context.Background(), cfg.Broker.RedisAddr, cfg.Broker.RedisPassword, cfg.Broker.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis task store: %w", err)
		}
	default:
		b = broker.NewMemoryBroker(cfg.Broker.VisibilityTimeout.Std())
		tasks, err = taskstore.NewSQLiteTaskStore(cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize task store: %w", err)
		}
	}

	var kwIndex keyword.KeywordIndex
	if cfg.Storage.BleveIndexPath != "" {
		kwIndex, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
		}
	}

	extractor := extract.NewExtractor()
	ch := chunker.New(cfg.Ingest.ChunkSize)

	var indexer worker.Indexer
	if kwIndex != nil {
		indexer = kwIndex
	}
	reg := worker.Registry{
		models.KindProcessDocument:  worker.NewProcessHandler(extractor, ch, store, indexer, logger),
		models.KindCleanupDocuments: worker.NewCleanupHandler(store, indexer, logger),
	}
	pool := worker.NewPool(b, tasks, reg,
		cfg.Worker.PoolSize,
		cfg.Worker.TaskTimeout.Std(),
		worker.RetryPolicy{MaxAttempts: cfg.Worker.MaxRetryAttempts},
		logger)

	return &Components{
		Storage:      store,
		TaskStore:    tasks,
		Broker:       b,
		KeywordIndex: kwIndex,
		Extractor:    extractor,
		Registry:     reg,
		Pool:         pool,
	}, nil
}

func setup(args []string) (*config.Config, *zap.Logger, string) {
	fs := flag.NewFlagSet(args[0], flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args[1:])

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("config loaded",
		zap.String("config_path", resolvedPath),
		zap.Bool("debug", debugMode))
	return cfg, logger, resolvedPath
}

func runServer() {
	cfg, logger, _ := setup(os.Args[1:])
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolDone := make(chan struct{})
	go func() {
		if err := components.Pool.Run(ctx); err != nil {
			logger.Error("worker pool stopped", zap.Error(err))
		}
		close(poolDone)
	}()

	if cfg.Cleanup.Interval.Std() > 0 {
		sched := scheduler.New(components.Broker, components.TaskStore,
			cfg.Cleanup.Interval.Std(), cfg.Cleanup.OlderThanDays, logger)
		go sched.Run(ctx)
	}

	var watchSvc *watcher.Watcher
	if len(cfg.Watch.Directories) > 0 {
		watchSvc = newDropWatcher(cfg, components, logger)
		if err := watchSvc.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
	}

	srv := server.NewServer(
		components.Broker,
		components.TaskStore,
		components.Storage,
		components.KeywordIndex,
		components.Extractor,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if watchSvc != nil {
		watchSvc.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	cancel()
	select {
	case <-poolDone:
	case <-time.After(10 * time.Second):
		logger.Warn("worker pool did not drain in time")
	}
}

// newDropWatcher wires the drop folders to the broker: each settled file is
// enqueued as a process_document task and removed from the folder.
func newDropWatcher(cfg *config.Config, components *Components, logger *zap.Logger) *watcher.Watcher {
	onDrop := func(path string) {
		content, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read dropped file", zap.String("path", path), zap.Error(err))
			return
		}
		if int64(len(content)) > cfg.Ingest.MaxFileSizeBytes() {
			logger.Warn("dropped file exceeds size limit", zap.String("path", path))
			return
		}
		payload, err := json.Marshal(models.ProcessPayload{
			Filename: filepath.Base(path),
			Content:  content,
		})
		if err != nil {
			logger.Error("failed to encode dropped file", zap.String("path", path), zap.Error(err))
			return
		}
		ctx := context.Background()
		taskID, err := components.Broker.Enqueue(ctx, models.KindProcessDocument, payload)
		if err != nil {
			logger.Error("failed to enqueue dropped file", zap.String("path", path), zap.Error(err))
			return
		}
		if err := components.TaskStore.Create(ctx, &models.TaskRecord{
			TaskID: taskID,
			Kind:   models.KindProcessDocument,
			State:  models.TaskPending,
		}); err != nil {
			logger.Error("failed to record dropped file task", zap.String("path", path), zap.Error(err))
			return
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove dropped file", zap.String("path", path), zap.Error(err))
		}
		logger.Info("dropped file enqueued",
			zap.String("path", path),
			zap.String("task_id", taskID))
	}
	opts := []watcher.WatcherOption{}
	if cfg.Debug {
		opts = append(opts, watcher.WithLogger(logger))
	}
	return watcher.NewWatcher(cfg.Watch.Directories, cfg.Watch.Extensions, onDrop, opts...)
}

func runWorker() {
	cfg, logger, _ := setup(os.Args[1:])
	defer logger.Sync()

	if cfg.Broker.Type != "redis" {
		logger.Fatal("standalone workers require broker.type redis; the memory broker is per-process")
	}

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	logger.Info("worker pool starting",
		zap.Int("pool_size", cfg.Worker.PoolSize),
		zap.Duration("task_timeout", cfg.Worker.TaskTimeout.Std()))
	if err := components.Pool.Run(ctx); err != nil {
		logger.Fatal("worker pool failed", zap.Error(err))
	}
}

func runUpload() {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	wait := fs.Bool("wait", false, "poll the task until it finishes")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: torikomi upload [flags] <file>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Failed to read file: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		fmt.Printf("Failed to build request: %v\n", err)
		os.Exit(1)
	}
	if _, err := part.Write(content); err != nil {
		fmt.Printf("Failed to build request: %v\n", err)
		os.Exit(1)
	}
	mw.Close()

	resp, err := http.Post(*serverURL+"/api/v1/documents", mw.FormDataContentType(), &buf)
	if err != nil {
		fmt.Printf("Upload failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Printf("Upload rejected (%d): %s\n", resp.StatusCode, body)
		os.Exit(1)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		fmt.Printf("Unexpected response: %s\n", body)
		os.Exit(1)
	}
	fmt.Printf("Accepted, task %s\n", out.TaskID)

	if *wait {
		pollTask(*serverURL, out.TaskID)
	}
}

func pollTask(serverURL, taskID string) {
	for {
		rec, err := fetchTask(serverURL, taskID)
		if err != nil {
			fmt.Printf("Poll failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %3d%% %s\n", rec.State, rec.Progress, rec.StatusMessage)
		if rec.State.Terminal() {
			if rec.State == models.TaskFailure {
				fmt.Printf("Error: %s\n", rec.Error)
				os.Exit(1)
			}
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func fetchTask(serverURL, taskID string) (*models.TaskRecord, error) {
	resp, err := http.Get(serverURL + "/api/v1/tasks/" + taskID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	var rec models.TaskRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func runTask() {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: torikomi task [flags] <task-id>")
		os.Exit(1)
	}
	rec, err := fetchTask(*serverURL, fs.Arg(0))
	if err != nil {
		fmt.Printf("Failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(rec)
}

func runDocuments() {
	fs := flag.NewFlagSet("documents", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	limit := fs.Int("limit", 20, "number of documents")
	offset := fs.Int("offset", 0, "pagination offset")
	_ = fs.Parse(os.Args[2:])

	fetchAndPrint(fmt.Sprintf("%s/api/v1/documents?limit=%d&offset=%d", *serverURL, *limit, *offset))
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	limit := fs.Int("limit", 10, "number of results")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: torikomi search [flags] <query>")
		os.Exit(1)
	}
	query := url.QueryEscape(strings.TrimSpace(strings.Join(fs.Args(), " ")))
	fetchAndPrint(fmt.Sprintf("%s/api/v1/search?q=%s&limit=%d", *serverURL, query, *limit))
}

func runCleanup() {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	days := fs.Int("older-than-days", -1, "override configured retention (0 deletes everything)")
	_ = fs.Parse(os.Args[2:])

	// Without an explicit override the server applies its configured
	// retention, so send an empty body.
	var body []byte
	if *days >= 0 {
		body, _ = json.Marshal(map[string]int{"older_than_days": *days})
	}
	resp, err := http.Post(*serverURL+"/api/v1/cleanup", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("Failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Printf("Cleanup rejected (%d): %s\n", resp.StatusCode, data)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	fetchAndPrint(*serverURL + "/api/v1/status")
}

func fetchAndPrint(endpoint string) {
	resp, err := http.Get(endpoint)
	if err != nil {
		fmt.Printf("Failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Server returned %d: %s\n", resp.StatusCode, body)
		os.Exit(1)
	}
	var out interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		fmt.Println(string(body))
		return
	}
	printJSON(out)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("Failed to render response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
