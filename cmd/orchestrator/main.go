// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/blobstore"
	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/controller"
	"github.com/flyingrobots/pipeline-orchestrator/internal/dispatcher"
	"github.com/flyingrobots/pipeline-orchestrator/internal/events"
	"github.com/flyingrobots/pipeline-orchestrator/internal/intake"
	"github.com/flyingrobots/pipeline-orchestrator/internal/jobindex"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/queueadapter"
	"github.com/flyingrobots/pipeline-orchestrator/internal/reaper"
	"github.com/flyingrobots/pipeline-orchestrator/internal/redisclient"
	"github.com/flyingrobots/pipeline-orchestrator/internal/statusapi"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminJobID string
	var adminStatusAddr string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: intake|events|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|lookup|tasks")
	fs.StringVar(&adminJobID, "job-id", "", "Admin lookup: job ID to query")
	fs.StringVar(&adminStatusAddr, "status-addr", "http://localhost:8081", "Admin CLI: base URL of a running status API")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if role == "admin" {
		runAdmin(adminStatusAddr, adminCmd, adminJobID, logger)
		return
	}

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	blob, err := blobstore.New(cfg)
	if err != nil {
		logger.Fatal("blob store init failed", obs.Err(err))
	}

	index := jobindex.New()
	queue := queueadapter.New(cfg, rdb, logger)
	dispatch := dispatcher.New(cfg, blob, queue, logger)
	pc := controller.New(cfg, index, blob, dispatch, queue, logger)

	readyCheck := func(c context.Context) error {
		return blob.Ping(c)
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, queue, logger)

	rep := reaper.New(cfg, queue, index, logger)
	go rep.Run(ctx)

	in := intake.New(cfg, rdb, blob, queue, pc, logger)
	ec := events.New(cfg, queue, pc, logger)

	instanceID := uuid.New().String()

	switch role {
	case "intake":
		runIntakeHTTP(cfg, in, logger)
		in.ConsumeSubmissions(ctx, "intake-"+instanceID)
	case "events":
		ec.Run(ctx, "events-"+instanceID)
	case "all":
		httpSrv := runIntakeHTTP(cfg, in, logger)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()

		statusSrv := runStatusAPI(cfg, index, logger)
		defer func() { _ = statusSrv.Shutdown(context.Background()) }()

		go in.ConsumeSubmissions(ctx, "intake-"+instanceID)
		ec.Run(ctx, "events-"+instanceID)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runIntakeHTTP(cfg *config.Config, in *intake.Intake, logger *zap.Logger) *http.Server {
	srv := &http.Server{Addr: cfg.Intake.HTTPAddr, Handler: in.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("intake http server error", obs.Err(err))
		}
	}()
	return srv
}

func runStatusAPI(cfg *config.Config, index *jobindex.Index, logger *zap.Logger) *http.Server {
	sapi := statusapi.New(cfg, index, logger)
	srv := &http.Server{Addr: cfg.StatusAPI.HTTPAddr, Handler: sapi.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status api server error", obs.Err(err))
		}
	}()
	return srv
}

func runAdmin(baseAddr, cmd, jobID string, logger *zap.Logger) {
	client := &http.Client{Timeout: 10 * time.Second}
	var path string
	switch cmd {
	case "stats":
		path = "/health"
	case "lookup":
		if jobID == "" {
			logger.Fatal("admin lookup requires --job-id")
		}
		path = "/jobs/" + jobID
	case "tasks":
		path = "/tasks"
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}

	resp, err := client.Get(baseAddr + path)
	if err != nil {
		logger.Fatal("admin request failed", obs.Err(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Fatal("admin response read failed", obs.Err(err))
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(body))
}
