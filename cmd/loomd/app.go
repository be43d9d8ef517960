package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomrun/loom/internal/agentmgr"
	"github.com/loomrun/loom/internal/compaction"
	"github.com/loomrun/loom/internal/config"
	"github.com/loomrun/loom/internal/extensions"
	"github.com/loomrun/loom/internal/loop"
	"github.com/loomrun/loom/internal/mcp"
	"github.com/loomrun/loom/internal/obs"
	"github.com/loomrun/loom/internal/permission"
	"github.com/loomrun/loom/internal/provider"
	"github.com/loomrun/loom/internal/providers"
	"github.com/loomrun/loom/internal/sessions"
)

// app bundles the process-wide singletons every command needs, assembled
// once per invocation by newApp. Grounded on the donor's cmd/nexus
// pattern of a single struct threaded through command handlers
// (cmd/nexus/handlers.go's appContext), rather than package globals.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *obs.Metrics
	sessions   *sessions.FileStore
	checkpoints *sessions.CheckpointStore
	mcpMgr     *mcp.Manager
	extMgr     *extensions.Manager
	permEngine *permission.Engine
	compactor  *compaction.Compactor
	provider   provider.Provider
	agents     *agentmgr.Manager
}

// newApp loads configuration and wires every component. Callers must call
// close() when done to release the checkpoint store's database handle and
// stop MCP server subprocesses.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := obs.NewLogger(obs.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	store := sessions.NewFileStore(cfg.SessionDir)
	checkpoints, err := sessions.OpenCheckpointStore(ctx, cfg.CheckpointDB)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	for _, s := range cfg.MCPServers {
		if s != nil && s.Timeout <= 0 {
			s.Timeout = time.Duration(cfg.MCPExtensionTimeoutSeconds) * time.Second
		}
	}
	mcpMgr := mcp.NewManager(&mcp.Config{Enabled: len(cfg.MCPServers) > 0, Servers: cfg.MCPServers}, logger)
	if err := mcpMgr.Start(ctx); err != nil {
		logger.Warn("mcp manager start reported errors", "error", err)
	}

	extMgr := extensions.NewManager(mcpMgr, logger)

	allowStore := permission.NewFileAlwaysAllowStore(cfg.ApprovalStorePath)
	if err := allowStore.Load(); err != nil {
		logger.Warn("failed to load always-allow store", "error", err)
	}
	policy := permission.DefaultPolicy()
	if mode, ok := permission.ParseMode(string(cfg.Mode)); ok {
		policy.Mode = mode
	}
	permEngine := permission.NewEngine(policy, allowStore)

	backend, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", cfg.Provider, err)
	}

	summarizer := &compaction.ProviderSummarizer{Provider: backend}
	compactor := compaction.NewCompactor(summarizer, compaction.DefaultSummarizationConfig())

	a := &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		sessions:    store,
		checkpoints: checkpoints,
		mcpMgr:      mcpMgr,
		extMgr:      extMgr,
		permEngine:  permEngine,
		compactor:   compactor,
		provider:    backend,
	}

	agents, err := agentmgr.NewManager(cfg.AgentCacheSize, a.newAgent)
	if err != nil {
		return nil, fmt.Errorf("new agent manager: %w", err)
	}
	agents.OnEviction(func(sessionID string) {
		metrics.AgentEvictionCounter.Inc()
		logger.Info("agent evicted from cache", "session_id", sessionID)
	})
	a.agents = agents

	return a, nil
}

func (a *app) close() {
	if a.checkpoints != nil {
		_ = a.checkpoints.Close()
	}
	if a.mcpMgr != nil {
		_ = a.mcpMgr.Stop()
	}
}

// buildProvider constructs the configured backend. Only the two SDKs the
// donor's own go.mod depends on directly are offered — see
// internal/providers' package doc.
func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.Model,
		})
	case "openai":
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic or openai)", cfg.Provider)
	}
}

// agent wraps one session's Loop plus its live Session object, satisfying
// agentmgr.Agent. It is the factory product agentmgr.Manager caches.
type agent struct {
	session *sessionsSession
	loop    *loop.Loop
}

func (a *agent) SessionID() string { return a.session.id }

// sessionsSession is the minimal session identity agentmgr needs; kept
// separate from *conversation.Session so agent construction does not
// require loading the full transcript just to register in the cache.
type sessionsSession struct{ id string }

// newAgent is the agentmgr.Factory: builds a Loop for sessionID that
// shares the app's provider, permission engine, compactor, extension
// manager and session store with every other agent. Only the loop config
// differs, and only for SubTask mode; the loop learns the session id from
// the Session passed to Run.
func (a *app) newAgent(sessionID string, mode agentmgr.Mode) (agentmgr.Agent, error) {
	cfg := loop.DefaultConfig()
	cfg.ContextWindow = a.provider.ModelConfig().ContextLimit
	cfg.CompactionThreshold = a.cfg.AutoCompactThreshold
	cfg.ToolConcurrency = a.cfg.MaxConcurrentTools
	if mode.Kind == agentmgr.SubTask {
		// Sub-tasks get a tighter leash per SPEC_FULL.md §10's task-graph
		// supplement: they inherit the parent's extensions/provider but
		// cannot run indefinitely.
		cfg.MaxIterations = 10
	}

	waiter := &loop.PollingApprovalWaiter{Engine: a.permEngine, Interval: cfg.ApprovalPollInterval}
	l := loop.New(a.provider, a.extMgr, a.permEngine, a.compactor, waiter, a.sessions, nil, "", cfg)

	return &agent{session: &sessionsSession{id: sessionID}, loop: l}, nil
}
