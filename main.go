package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"devopsagent/pkg/agent"
	"devopsagent/pkg/agent/llm"
	llmmetrics "devopsagent/pkg/agent/middleware/metrics"
	"devopsagent/pkg/agents"
	"devopsagent/pkg/approval"
	"devopsagent/pkg/config"
	"devopsagent/pkg/eventlog"
	"devopsagent/pkg/exec"
	"devopsagent/pkg/logx"
	"devopsagent/pkg/metrics"
	"devopsagent/pkg/orchestrator"
	"devopsagent/pkg/persistence"
	"devopsagent/pkg/prompts"
	"devopsagent/pkg/server"
	"devopsagent/pkg/telemetry"
	"devopsagent/pkg/version"
)

// Agent wires the process: model clients, the task manager and the HTTP server.
type Agent struct {
	config    config.Config
	logger    *logx.Logger
	manager   *orchestrator.Manager
	server    *server.Server
	store     *persistence.Store
	eventLog  *eventlog.Writer
	telemetry telemetry.ShutdownFunc
	addr      string
}

func main() {
	var projectDir string
	var port int
	var showVersion bool
	var debug bool
	flag.StringVar(&projectDir, "projectdir", "", "Project directory holding .devops-agent/ (default: current directory)")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging for every domain")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("devops-agent", version.String())
		return
	}

	if err := run(projectDir, port, debug); err != nil {
		fmt.Fprintf(os.Stderr, "devops-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(projectDir string, port int, debug bool) error {
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		projectDir = wd
	}

	loaded, err := config.LoadEnvFiles(projectDir)
	if err != nil {
		return err
	}
	if err := config.LoadConfig(projectDir); err != nil {
		return err
	}
	if _, err := config.LoadSecrets(projectDir); err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		return err //nolint:wrapcheck // already descriptive
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if debug {
		cfg.Debug.Enabled = true
	}
	if cfg.Debug.Enabled {
		logx.SetDebug(true, cfg.Debug.Domains)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := NewAgent(ctx, cfg, projectDir)
	if err != nil {
		return err
	}
	for _, path := range loaded {
		a.logger.Info("loaded environment from %s", path)
	}
	return a.Run(ctx)
}

// NewAgent builds every component from cfg. Relative paths resolve against
// projectDir.
func NewAgent(ctx context.Context, cfg config.Config, projectDir string) (_ *Agent, err error) {
	logger := logx.NewLogger("main")
	a := &Agent{
		config: cfg,
		logger: logger,
		addr:   net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version.Version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		a.telemetry = shutdown
	}

	store, err := persistence.Open(resolve(projectDir, cfg.Persistence.DBPath))
	if err != nil {
		return nil, err //nolint:wrapcheck // persistence errors carry the path
	}
	a.store = store
	if n, err := store.MarkInterrupted(ctx); err != nil {
		logger.Warn("failed to mark interrupted tasks: %v", err)
	} else if n > 0 {
		logger.Warn("%d task(s) from a previous run were interrupted", n)
	}

	logDir := resolve(projectDir, cfg.Persistence.EventLogDir)
	eventLog, err := eventlog.NewWriter(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}
	a.eventLog = eventLog

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	usage := llmmetrics.NewUsageRecorder()
	factory := agent.NewLLMClientFactory(cfg, llmmetrics.Multi(llmmetrics.NewPrometheusRecorder(reg), usage))

	var usageSource metrics.Source = metrics.Local{Recorder: usage}
	if cfg.Metrics.Enabled && cfg.Metrics.PrometheusURL != "" {
		query, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return nil, err //nolint:wrapcheck // already descriptive
		}
		usageSource = metrics.Fallback{Primary: query, Secondary: usageSource}
	}

	pack, err := loadPack(projectDir, cfg.Agents.PromptsFile)
	if err != nil {
		return nil, err
	}

	clients := make(map[agent.Type]llm.LLMClient, 3)
	for _, t := range []agent.Type{agent.TypePrompt, agent.TypeReasoning, agent.TypeReflector} {
		client, err := factory.CreateClient(t)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", t, err)
		}
		clients[t] = client
	}

	baseDir := resolve(projectDir, cfg.Workspace.BaseDir)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", baseDir, err)
	}
	workspace := exec.NewWorkspace(baseDir, exec.NewLocalExec(), cfg.Workspace.CommandTimeout.Std())
	workspace.Shell = cfg.Workspace.Shell

	chatOpts := llm.ChatOptions{MaxTokens: cfg.Agents.MaxTokens, Temperature: cfg.Agents.Temperature}
	approvals := approval.NewRegistry()
	manager, err := orchestrator.NewManager(orchestrator.Deps{
		Prompt:    agents.NewPromptAgent(clients[agent.TypePrompt], pack, chatOpts),
		Reasoning: agents.NewReasoningAgent(clients[agent.TypeReasoning], pack, baseDir, chatOpts),
		Reflector: agents.NewReflectorAgent(clients[agent.TypeReflector], pack, baseDir, chatOpts),
		Workspace: workspace,
		Approvals: approvals,
		Pack:      pack,
		Store:     store,
		Events:    eventLog,
		Metrics:   orchestrator.NewMetrics(reg),
	}, orchestrator.Options{
		Branch:             cfg.Workspace.DefaultBranch,
		CloneURLTemplate:   cfg.Workspace.CloneURLTemplate,
		Owner:              cfg.Workspace.GitOwner,
		MaxSteps:           cfg.Agents.MaxSteps,
		FinalAnswerRetries: cfg.Agents.FinalAnswerRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task manager: %w", err)
	}
	a.manager = manager

	srv, err := server.NewServer(server.Options{
		Manager:         manager,
		Approvals:       approvals,
		Store:           store,
		EventLogDir:     logDir,
		Usage:           usageSource,
		Gatherer:        reg,
		Breakers:        factory.BreakerStates,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // already descriptive
	}
	a.server = srv
	return a, nil
}

// Run serves until ctx ends. Running tasks are cancelled alongside the HTTP
// shutdown so their open streams can finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("devops-agent %s listening on http://%s", version.String(), a.addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Serve(gctx, a.addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout.Std())
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait() //nolint:wrapcheck // component errors are already wrapped
}

// Shutdown cancels running tasks and closes the stores.
func (a *Agent) Shutdown(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task manager: %w", err))
		}
	}
	if a.eventLog != nil {
		if err := a.eventLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event log: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	if len(errs) == 0 {
		a.logger.Info("Shutdown completed")
	}
	return errors.Join(errs...)
}

func loadPack(projectDir, file string) (*prompts.Pack, error) {
	if file == "" {
		return prompts.Default() //nolint:wrapcheck // embedded pack
	}
	pack, err := prompts.Load(resolve(projectDir, file))
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	return pack, nil
}

func resolve(projectDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDir, path)
}
